// Package track owns detection-to-track correlation: it assigns per-frame
// detections to persistent track identities, maintains each track's motion
// estimate, and drives the Tentative → Confirmed → Lost → Terminated
// lifecycle.
package track

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
)

// Status represents the lifecycle state of a track.
type Status string

const (
	StatusTentative  Status = "tentative"  // New track, needs confirmation
	StatusConfirmed  Status = "confirmed"  // Stable track with sufficient history
	StatusLost       Status = "lost"       // Confirmed track coasting through missed frames
	StatusTerminated Status = "terminated" // Track removed from the live set
)

// ErrOutOfOrderFrame is returned by Update when the frame timestamp is not
// strictly after the previous frame's. The failed call mutates nothing; the
// caller must not retry with the same or an earlier timestamp.
var ErrOutOfOrderFrame = errors.New("out-of-order frame timestamp")

// velocityBlend is the EMA weight of the newest centre displacement when
// updating a track's velocity estimate. Not user-tunable.
const velocityBlend = 0.5

// Observation is one (detection, timestamp) entry in a track's history.
type Observation struct {
	Det       detect.Detection
	UnixNanos int64
}

// Track is a persistent identity across frames. The tracker owns all Track
// values exclusively; accessors hand out deep copies.
type Track struct {
	// Identity
	ID     int64
	Label  string
	Status Status

	// Lifecycle counters
	Hits       int // Consecutive successful associations
	Misses     int // Consecutive missed associations (time since last update)
	LostFrames int // Frames spent in the Lost state
	Age        int // Frames since creation

	// Timestamps
	FirstUnixNanos int64
	LastUnixNanos  int64

	// Motion state: current box estimate plus centre velocity in px/sec.
	Box detect.BBox
	VX  float64
	VY  float64

	// Append-only observation history, monotonically non-decreasing in
	// timestamp. Bounded by MaxHistoryLength (oldest entries drop off).
	History []Observation
}

// Speed returns the current centre speed magnitude in px/sec.
func (tr *Track) Speed() float64 {
	return math.Sqrt(tr.VX*tr.VX + tr.VY*tr.VY)
}

// Live reports whether the track belongs in the live set handed to callers.
// Lost tracks are retained internally for re-acquisition but are not live.
func (tr *Track) Live() bool {
	return tr.Status == StatusTentative || tr.Status == StatusConfirmed
}

// clone returns a copy of the track with a deep-copied History slice, safe
// for callers to read without holding the tracker lock.
func (tr *Track) clone() *Track {
	copied := *tr
	if len(tr.History) > 0 {
		copied.History = make([]Observation, len(tr.History))
		copy(copied.History, tr.History)
	}
	return &copied
}

// Config holds configuration parameters for the tracker.
type Config struct {
	MinIoU           float64 // IoU below this is unmatchable (infinite cost)
	AllowCrossClass  bool    // Permit matching detections to tracks of another label
	HitsToConfirm    int     // Consecutive hits needed for confirmation
	MaxMisses        int     // Staleness threshold: misses beyond this → Lost
	LostGraceFrames  int     // Frames a Lost track may coast before termination
	MaxTracks        int     // Maximum number of concurrent tracks
	MaxHistoryLength int     // Maximum observation history per track
}

// ConfigFromTuning builds a tracker Config from a loaded TuningConfig.
// Use this in production code where the TuningConfig is already loaded.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MinIoU:           cfg.GetMinIoU(),
		AllowCrossClass:  cfg.GetAllowCrossClass(),
		HitsToConfirm:    cfg.GetHitsToConfirm(),
		MaxMisses:        cfg.GetMaxMisses(),
		LostGraceFrames:  cfg.GetLostGraceFrames(),
		MaxTracks:        cfg.GetMaxTracks(),
		MaxHistoryLength: cfg.GetMaxHistoryLength(),
	}
}

// DefaultConfig returns tracker configuration loaded from the canonical
// tuning defaults file (config/tuning.defaults.json). Panics if the file
// cannot be found — intended for tests and binaries that have already
// validated config availability.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// Validate rejects unusable parameter combinations before any frame is
// processed.
func (c Config) Validate() error {
	if c.MinIoU <= 0 || c.MinIoU > 1 {
		return fmt.Errorf("MinIoU must be in (0, 1], got %f", c.MinIoU)
	}
	if c.HitsToConfirm <= 0 {
		return fmt.Errorf("HitsToConfirm must be positive, got %d", c.HitsToConfirm)
	}
	if c.MaxMisses <= 0 {
		return fmt.Errorf("MaxMisses must be positive, got %d", c.MaxMisses)
	}
	if c.LostGraceFrames <= 0 {
		return fmt.Errorf("LostGraceFrames must be positive, got %d", c.LostGraceFrames)
	}
	if c.MaxTracks <= 0 {
		return fmt.Errorf("MaxTracks must be positive, got %d", c.MaxTracks)
	}
	if c.MaxHistoryLength <= 0 {
		return fmt.Errorf("MaxHistoryLength must be positive, got %d", c.MaxHistoryLength)
	}
	return nil
}

// Metrics holds aggregate tracking counters since construction or Reset.
type Metrics struct {
	FramesProcessed    int64   `json:"frames_processed"`
	ActiveTracks       int     `json:"active_tracks"`
	TracksCreated      int64   `json:"tracks_created"`
	TracksConfirmed    int64   `json:"tracks_confirmed"`
	TracksTerminated   int64   `json:"tracks_terminated"`
	FragmentationRatio float64 `json:"fragmentation_ratio"` // created-but-never-confirmed fraction
}

// Tracker manages multi-object tracking with explicit lifecycle states.
type Tracker struct {
	mu sync.RWMutex

	tracks map[int64]*Track
	nextID int64
	cfg    Config

	// Last update timestamp for dt computation and ordering checks.
	// started distinguishes "no frame yet" from a first frame at
	// timestamp 0, which is a legitimate epoch for relative clocks.
	lastUnixNanos int64
	started       bool

	// Terminated tracks awaiting pickup by the classifier for a final
	// evaluation. Drained via DrainTerminated().
	terminated []*Track

	// Counters
	framesProcessed  int64
	tracksCreated    int64
	tracksConfirmed  int64
	tracksTerminated int64

	// lastAssociations[i] is the track id detection i was matched to in the
	// most recent Update, or 0 if it spawned a new track / was unmatched.
	lastAssociations []int64

	logf func(format string, v ...interface{})
}

// NewTracker creates a tracker with the specified configuration, failing
// fast on invalid parameters.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}
	return &Tracker{
		tracks: make(map[int64]*Track),
		nextID: 1,
		cfg:    cfg,
		logf:   monitoring.Prefixed("Tracker"),
	}, nil
}

// UpdateConfig applies the given function to the tracker's configuration
// under the tracker lock. This is the safe way to mutate config fields from
// outside the tracking goroutine (e.g. HTTP tuning handlers). Returns the
// validation error and restores the previous config if the mutation makes
// it invalid.
func (t *Tracker) UpdateConfig(fn func(*Config)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cfg
	fn(&t.cfg)
	if err := t.cfg.Validate(); err != nil {
		t.cfg = prev
		return err
	}
	return nil
}

// Config returns a copy of the current tracker configuration.
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Reset clears all tracks and counters. Track ids are NOT reset: the id
// sequence keeps climbing so identities are never reused across resets.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int64]*Track)
	t.lastUnixNanos = 0
	t.started = false
	t.terminated = nil
	t.lastAssociations = nil
	t.framesProcessed = 0
	t.tracksCreated = 0
	t.tracksConfirmed = 0
	t.tracksTerminated = 0
}

// Update processes one frame of detections and returns the updated live
// track set (Tentative and Confirmed, sorted by id). The timestamp must be
// strictly after the previous call's; otherwise ErrOutOfOrderFrame is
// returned and no state changes.
func (t *Tracker) Update(detections []detect.Detection, unixNanos int64) ([]*Track, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started && unixNanos <= t.lastUnixNanos {
		return nil, fmt.Errorf("%w: %d <= %d", ErrOutOfOrderFrame, unixNanos, t.lastUnixNanos)
	}

	var dt float64
	if t.started {
		dt = float64(unixNanos-t.lastUnixNanos) / 1e9
	}
	t.lastUnixNanos = unixNanos
	t.started = true
	t.framesProcessed++

	// Step 1: Predict. Advance every retained track's box by its velocity
	// estimate (constant-velocity extrapolation). Lost tracks coast too so
	// re-acquisition gates against where the object should be by now.
	trackIDs := t.sortedTrackIDs()
	predicted := make(map[int64]detect.BBox, len(trackIDs))
	for _, id := range trackIDs {
		tr := t.tracks[id]
		box := tr.Box
		box.X += tr.VX * dt
		box.Y += tr.VY * dt
		predicted[id] = box
	}

	// Steps 2+3: Cost matrix and optimal assignment. Rows are tracks in
	// ascending id order, columns are detections in input order, so equal
	// costs resolve to the lowest track id then lowest detection index.
	matched := t.associate(trackIDs, predicted, detections)

	// Step 4a: Matched tracks absorb their detection.
	matchedTracks := make(map[int64]bool, len(matched))
	t.lastAssociations = make([]int64, len(detections))
	for ti, di := range matched {
		if di < 0 {
			continue
		}
		id := trackIDs[ti]
		tr := t.tracks[id]
		t.absorb(tr, detections[di], dt, unixNanos)
		matchedTracks[id] = true
		t.lastAssociations[di] = id

		switch tr.Status {
		case StatusTentative:
			if tr.Hits >= t.cfg.HitsToConfirm {
				tr.Status = StatusConfirmed
				t.tracksConfirmed++
			}
		case StatusLost:
			// Re-acquired within the grace window: same id, same history.
			tr.Status = StatusConfirmed
			tr.LostFrames = 0
		}
	}

	// Step 4b: Unmatched tracks age. Tentative identities get no grace
	// period; Confirmed tracks go Lost past the staleness threshold and
	// Terminated when the grace window runs out.
	for _, id := range trackIDs {
		tr := t.tracks[id]
		tr.Age++
		if matchedTracks[id] {
			continue
		}
		tr.Misses++
		tr.Hits = 0

		switch tr.Status {
		case StatusTentative:
			t.terminate(tr, unixNanos)
		case StatusConfirmed:
			if tr.Misses > t.cfg.MaxMisses {
				tr.Status = StatusLost
				tr.LostFrames = 0
			}
		case StatusLost:
			tr.LostFrames++
			if tr.LostFrames > t.cfg.LostGraceFrames {
				t.terminate(tr, unixNanos)
			}
		}
	}

	// Step 5: Unmatched detections spawn new Tentative tracks.
	for di, det := range detections {
		if t.lastAssociations[di] != 0 {
			continue
		}
		if len(t.tracks) >= t.cfg.MaxTracks {
			t.logf("track limit %d reached, dropping unmatched detection %d", t.cfg.MaxTracks, di)
			continue
		}
		tr := t.spawn(det, unixNanos)
		t.lastAssociations[di] = tr.ID
	}

	return t.liveSnapshotLocked(), nil
}

// associate builds the gated 1−IoU cost matrix and solves the assignment.
// Returns matched[ti] = detection index for track trackIDs[ti], or -1.
func (t *Tracker) associate(trackIDs []int64, predicted map[int64]detect.BBox, detections []detect.Detection) []int {
	if len(trackIDs) == 0 || len(detections) == 0 {
		out := make([]int, len(trackIDs))
		for i := range out {
			out[i] = -1
		}
		return out
	}

	cost := make([][]float64, len(trackIDs))
	for ti, id := range trackIDs {
		tr := t.tracks[id]
		row := make([]float64, len(detections))
		for di, det := range detections {
			if !t.cfg.AllowCrossClass && det.Label != tr.Label {
				row[di] = assignInf
				continue
			}
			iou := predicted[id].IoU(det.Box)
			if iou < t.cfg.MinIoU {
				row[di] = assignInf
				continue
			}
			row[di] = 1 - iou
		}
		cost[ti] = row
	}

	return hungarianAssign(cost)
}

// absorb applies a matched detection to a track: history append, motion
// state update, staleness reset.
func (t *Tracker) absorb(tr *Track, det detect.Detection, dt float64, unixNanos int64) {
	prevCX, prevCY := tr.Box.Center()
	newCX, newCY := det.Box.Center()

	if dt > 0 {
		// Blend the instantaneous centre displacement into the velocity
		// estimate. A plain EMA keeps the constant-velocity prediction
		// responsive without chasing single-frame detector jitter.
		instVX := (newCX - prevCX) / dt
		instVY := (newCY - prevCY) / dt
		tr.VX = (1-velocityBlend)*tr.VX + velocityBlend*instVX
		tr.VY = (1-velocityBlend)*tr.VY + velocityBlend*instVY
	}

	tr.Box = det.Box
	tr.Hits++
	tr.Misses = 0
	tr.LastUnixNanos = unixNanos

	tr.History = append(tr.History, Observation{Det: det, UnixNanos: unixNanos})
	if len(tr.History) > t.cfg.MaxHistoryLength {
		tr.History = tr.History[len(tr.History)-t.cfg.MaxHistoryLength:]
	}
}

// spawn creates a new Tentative track from an unassociated detection. Ids
// are allocated from a monotonically increasing sequence and never reused.
func (t *Tracker) spawn(det detect.Detection, unixNanos int64) *Track {
	tr := &Track{
		ID:             t.nextID,
		Label:          det.Label,
		Status:         StatusTentative,
		Hits:           1,
		FirstUnixNanos: unixNanos,
		LastUnixNanos:  unixNanos,
		Box:            det.Box,
		History:        []Observation{{Det: det, UnixNanos: unixNanos}},
	}
	t.nextID++
	t.tracks[tr.ID] = tr
	t.tracksCreated++
	return tr
}

// terminate removes a track from the live map and queues it for a final
// classifier evaluation via DrainTerminated.
func (t *Tracker) terminate(tr *Track, unixNanos int64) {
	tr.Status = StatusTerminated
	tr.LastUnixNanos = unixNanos
	delete(t.tracks, tr.ID)
	t.terminated = append(t.terminated, tr)
	t.tracksTerminated++
}

// sortedTrackIDs returns all retained track ids in ascending order. Sorting
// removes map iteration randomness so Update is fully reproducible.
func (t *Tracker) sortedTrackIDs() []int64 {
	ids := make([]int64, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// liveSnapshotLocked returns deep copies of Tentative and Confirmed tracks
// sorted by id. Caller must hold at least the read lock.
func (t *Tracker) liveSnapshotLocked() []*Track {
	live := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.Live() {
			live = append(live, tr.clone())
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live
}

// ActiveTracks returns deep copies of the current live set (Tentative and
// Confirmed), sorted by id.
func (t *Tracker) ActiveTracks() []*Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.liveSnapshotLocked()
}

// ConfirmedTracks returns deep copies of Confirmed tracks only, sorted by id.
func (t *Tracker) ConfirmedTracks() []*Track {
	t.mu.RLock()
	defer t.mu.RUnlock()

	confirmed := make([]*Track, 0)
	for _, tr := range t.tracks {
		if tr.Status == StatusConfirmed {
			confirmed = append(confirmed, tr.clone())
		}
	}
	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i].ID < confirmed[j].ID })
	return confirmed
}

// GetTrack returns a deep copy of a retained track by id, or nil.
func (t *Tracker) GetTrack(id int64) *Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tr, ok := t.tracks[id]; ok {
		return tr.clone()
	}
	return nil
}

// TrackCount returns counts of retained tracks by status.
func (t *Tracker) TrackCount() (total, tentative, confirmed, lost int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, tr := range t.tracks {
		total++
		switch tr.Status {
		case StatusTentative:
			tentative++
		case StatusConfirmed:
			confirmed++
		case StatusLost:
			lost++
		}
	}
	return
}

// DrainTerminated returns the tracks terminated since the previous drain
// and clears the queue. The behaviour classifier uses this to run a final
// evaluation (closing any open Suspicious verdict) before track state is
// discarded.
func (t *Tracker) DrainTerminated() []*Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.terminated
	t.terminated = nil
	return out
}

// LastAssociations returns a copy of the detection-to-track mapping from
// the most recent Update: element i is the track id detection i was matched
// to (or spawned), 0 if it was dropped at the track limit.
func (t *Tracker) LastAssociations() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastAssociations == nil {
		return nil
	}
	out := make([]int64, len(t.lastAssociations))
	copy(out, t.lastAssociations)
	return out
}

// GetMetrics computes aggregate tracking counters.
func (t *Tracker) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Metrics{
		FramesProcessed:  t.framesProcessed,
		TracksCreated:    t.tracksCreated,
		TracksConfirmed:  t.tracksConfirmed,
		TracksTerminated: t.tracksTerminated,
	}
	for _, tr := range t.tracks {
		if tr.Live() {
			m.ActiveTracks++
		}
	}
	if t.tracksCreated > 0 {
		m.FragmentationRatio = 1.0 - float64(t.tracksConfirmed)/float64(t.tracksCreated)
	}
	return m
}
