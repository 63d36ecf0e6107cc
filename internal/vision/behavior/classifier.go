package behavior

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// verdict is the debounced per-rule state for one track.
type verdictState string

const (
	verdictClear      verdictState = "clear"
	verdictSuspicious verdictState = "suspicious"
)

// Config holds classifier parameters.
type Config struct {
	WindowSize    int // K: observations retained per track window
	DebounceCount int // M: consecutive evaluations required for a transition
}

// ConfigFromTuning builds a classifier Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		WindowSize:    cfg.GetWindowSize(),
		DebounceCount: cfg.GetDebounceCount(),
	}
}

// Validate rejects unusable parameters before any evaluation runs.
func (c Config) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("WindowSize must be positive, got %d", c.WindowSize)
	}
	if c.DebounceCount <= 0 {
		return fmt.Errorf("DebounceCount must be positive, got %d", c.DebounceCount)
	}
	return nil
}

// ruleState tracks one rule's debounce counters and verdict for one track.
type ruleState struct {
	verdict     verdictState
	holdStreak  int
	clearStreak int

	// streakStartNanos is the frame timestamp at which the current hold
	// streak began; it becomes the Raised event's StartUnixNanos.
	streakStartNanos int64
	// raisedStartNanos is carried from the Raised event so the matching
	// Cleared event reports the same range start.
	raisedStartNanos int64
	lastConfidence   float64
	lastEvidence     string
}

// trackState is the classifier's private per-track memory: the rolling
// observation window plus per-rule debounce state. The classifier never
// mutates the track itself.
type trackState struct {
	ring         *obsRing
	rules        map[string]*ruleState
	totalObs     int
	lastIngested int64
	firstNanos   int64
	lastNanos    int64
}

// Classifier consumes track snapshots and raises/clears suspicion verdicts.
// Each track's window and debounce state are disjoint, so evaluation order
// across tracks does not matter.
type Classifier struct {
	mu     sync.Mutex
	cfg    Config
	rules  []Rule
	states map[int64]*trackState
	logf   func(format string, v ...interface{})
}

// NewClassifier creates a classifier with the given rule set, failing fast
// on invalid parameters.
func NewClassifier(cfg Config, rules []Rule) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("classifier config: %w", err)
	}
	return &Classifier{
		cfg:    cfg,
		rules:  rules,
		states: make(map[int64]*trackState),
		logf:   monitoring.Prefixed("Behavior"),
	}, nil
}

// Evaluate runs every rule against the track's rolling window and returns
// the transition events this evaluation produced — at most one Raised or
// Cleared per rule, never a repeat while the verdict is unchanged.
//
// A Terminated track gets this one final evaluation, any still-open
// Suspicious verdicts are force-closed, and its state is discarded.
func (c *Classifier) Evaluate(tr *track.Track) []SuspicionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluateLocked(tr)
}

func (c *Classifier) evaluateLocked(tr *track.Track) []SuspicionEvent {
	st := c.states[tr.ID]
	if st == nil {
		st = &trackState{
			ring:       newObsRing(c.cfg.WindowSize),
			rules:      make(map[string]*ruleState),
			firstNanos: tr.FirstUnixNanos,
		}
		c.states[tr.ID] = st
	}

	// Ingest observations newer than what the window has seen. The track
	// history is append-only, so a timestamp comparison is sufficient.
	for _, o := range tr.History {
		if o.UnixNanos > st.lastIngested {
			st.ring.append(o)
			st.lastIngested = o.UnixNanos
			st.totalObs++
		}
	}
	if last, ok := st.ring.last(); ok {
		st.lastNanos = last.UnixNanos
	}

	w := &Window{
		TrackID:        tr.ID,
		Label:          tr.Label,
		Status:         tr.Status,
		Obs:            st.ring.snapshot(),
		TotalFrames:    st.totalObs,
		FirstUnixNanos: st.firstNanos,
		LastUnixNanos:  st.lastNanos,
	}

	var events []SuspicionEvent
	for _, rule := range c.rules {
		rs := st.rules[rule.Name()]
		if rs == nil {
			rs = &ruleState{verdict: verdictClear}
			st.rules[rule.Name()] = rs
		}

		v, err := c.safeEvaluate(rule, w)
		if err != nil {
			// Rule failure is isolated to this track: the previous verdict
			// and streaks are held, other tracks and rules are unaffected.
			c.logf("rule %s failed for track %d, holding verdict %s: %v", rule.Name(), tr.ID, rs.verdict, err)
			continue
		}

		if ev := rs.apply(v, tr.ID, rule.Name(), w.LastUnixNanos, c.cfg.DebounceCount); ev != nil {
			events = append(events, *ev)
		}
	}

	if tr.Status == track.StatusTerminated {
		events = append(events, c.closeOpenVerdicts(tr.ID, st, w.LastUnixNanos)...)
		delete(c.states, tr.ID)
	}

	return events
}

// EvaluateAll evaluates a batch of tracks and concatenates their events.
func (c *Classifier) EvaluateAll(tracks []*track.Track) []SuspicionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []SuspicionEvent
	for _, tr := range tracks {
		events = append(events, c.evaluateLocked(tr)...)
	}
	return events
}

// TrackedStateCount returns the number of tracks the classifier currently
// holds window state for.
func (c *Classifier) TrackedStateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// safeEvaluate runs a rule, converting a panic into an error so one broken
// rule implementation cannot abort evaluation of other tracks.
func (c *Classifier) safeEvaluate(rule Rule, w *Window) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Name(), r)
		}
	}()
	return rule.Evaluate(w)
}

// apply folds one verdict into the debounce state and returns the transition
// event, if any.
func (rs *ruleState) apply(v Verdict, trackID int64, rule string, nowNanos int64, debounce int) *SuspicionEvent {
	if v.Hold {
		if rs.holdStreak == 0 {
			rs.streakStartNanos = nowNanos
		}
		rs.holdStreak++
		rs.clearStreak = 0
		rs.lastConfidence = v.Confidence
		rs.lastEvidence = v.Evidence

		if rs.verdict == verdictClear && rs.holdStreak >= debounce {
			rs.verdict = verdictSuspicious
			rs.raisedStartNanos = rs.streakStartNanos
			ev := newEvent(trackID, rule, KindRaised, rs.raisedStartNanos, nowNanos, v.Evidence, v.Confidence)
			return &ev
		}
		return nil
	}

	rs.clearStreak++
	rs.holdStreak = 0
	if rs.verdict == verdictSuspicious && rs.clearStreak >= debounce {
		rs.verdict = verdictClear
		ev := newEvent(trackID, rule, KindCleared, rs.raisedStartNanos, nowNanos, "rule no longer holds", rs.lastConfidence)
		return &ev
	}
	return nil
}

// closeOpenVerdicts emits Cleared events for any rule still Suspicious when
// a track terminates, so no Raised event is left dangling.
func (c *Classifier) closeOpenVerdicts(trackID int64, st *trackState, nowNanos int64) []SuspicionEvent {
	names := make([]string, 0, len(st.rules))
	for name := range st.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var events []SuspicionEvent
	for _, name := range names {
		rs := st.rules[name]
		if rs.verdict == verdictSuspicious {
			events = append(events, newEvent(trackID, name, KindCleared, rs.raisedStartNanos, nowNanos, "track terminated", rs.lastConfidence))
		}
	}
	return events
}
