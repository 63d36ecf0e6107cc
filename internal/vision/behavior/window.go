package behavior

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// obsRing is a fixed-capacity ring buffer of observations. Appending past
// capacity overwrites the oldest entry, which keeps per-track memory bounded
// regardless of track lifetime.
type obsRing struct {
	buf  []track.Observation
	head int // Index of the oldest entry
	size int
}

func newObsRing(capacity int) *obsRing {
	return &obsRing{buf: make([]track.Observation, capacity)}
}

func (r *obsRing) append(o track.Observation) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = o
		r.size++
		return
	}
	r.buf[r.head] = o
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot returns the buffered observations oldest-first.
func (r *obsRing) snapshot() []track.Observation {
	out := make([]track.Observation, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *obsRing) last() (track.Observation, bool) {
	if r.size == 0 {
		return track.Observation{}, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

// Window is the read-only feature set a rule evaluates: the last K
// observations of one track plus lifetime aggregates. Rules never see the
// track itself and cannot mutate its history.
type Window struct {
	TrackID        int64
	Label          string
	Status         track.Status
	Obs            []track.Observation // Oldest first, at most K entries
	TotalFrames    int                 // Observations over the whole track lifetime
	FirstUnixNanos int64
	LastUnixNanos  int64
}

// DwellNanos returns the track's total lifetime so far in nanoseconds.
func (w *Window) DwellNanos() int64 {
	return w.LastUnixNanos - w.FirstUnixNanos
}

// Speeds returns the centre speed (px/sec) between each consecutive pair of
// windowed observations.
func (w *Window) Speeds() []float64 {
	if len(w.Obs) < 2 {
		return nil
	}
	speeds := make([]float64, 0, len(w.Obs)-1)
	for i := 1; i < len(w.Obs); i++ {
		prev := w.Obs[i-1]
		cur := w.Obs[i]
		dt := float64(cur.UnixNanos-prev.UnixNanos) / 1e9
		if dt <= 0 {
			continue
		}
		px, py := prev.Det.Box.Center()
		cx, cy := cur.Det.Box.Center()
		dx := cx - px
		dy := cy - py
		speeds = append(speeds, math.Sqrt(dx*dx+dy*dy)/dt)
	}
	return speeds
}

// SpeedStats returns the mean and standard deviation of the windowed speed
// series. Both are 0 when fewer than two speed samples exist.
func (w *Window) SpeedStats() (mean, stddev float64) {
	speeds := w.Speeds()
	if len(speeds) < 2 {
		return 0, 0
	}
	mean = stat.Mean(speeds, nil)
	stddev = stat.StdDev(speeds, nil)
	return mean, stddev
}

// SpeedPercentiles returns the p50, p85, and p95 of the windowed speed
// series, or zeros when no samples exist.
func (w *Window) SpeedPercentiles() (p50, p85, p95 float64) {
	speeds := w.Speeds()
	if len(speeds) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(speeds))
	copy(sorted, speeds)
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p85 = stat.Quantile(0.85, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return p50, p85, p95
}

// FramesInside counts windowed observations whose box centre lies inside
// the given zone.
func (w *Window) FramesInside(zone detect.BBox) int {
	count := 0
	for _, o := range w.Obs {
		cx, cy := o.Det.Box.Center()
		if zone.Contains(cx, cy) {
			count++
		}
	}
	return count
}
