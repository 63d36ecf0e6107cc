package behavior

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// scriptRule returns scripted verdicts in call order, holding the last one
// forever. Lets tests drive transitions without constructing real movement.
type scriptRule struct {
	name  string
	steps []func() (Verdict, error)
	calls int
}

func (r *scriptRule) Name() string { return r.name }

func (r *scriptRule) Evaluate(w *Window) (Verdict, error) {
	i := r.calls
	if i >= len(r.steps) {
		i = len(r.steps) - 1
	}
	r.calls++
	return r.steps[i]()
}

func holds(conf float64) func() (Verdict, error) {
	return func() (Verdict, error) {
		return Verdict{Hold: true, Confidence: conf, Evidence: "scripted"}, nil
	}
}

func clears() func() (Verdict, error) {
	return func() (Verdict, error) { return Verdict{}, nil }
}

// snapAt builds a live track snapshot whose history ends at the given frame
// timestamps. Successive calls with growing times mimic the pipeline feeding
// the same track each frame.
func snapAt(id int64, status track.Status, times ...int64) *track.Track {
	tr := &track.Track{
		ID:     id,
		Label:  "person",
		Status: status,
	}
	for _, ts := range times {
		tr.History = append(tr.History, obsAt(10, 10, ts))
	}
	if len(times) > 0 {
		tr.FirstUnixNanos = times[0]
		tr.LastUnixNanos = times[len(times)-1]
	}
	return tr
}

func newTestClassifier(t *testing.T, debounce int, rules ...Rule) *Classifier {
	t.Helper()
	c, err := NewClassifier(Config{WindowSize: 10, DebounceCount: debounce}, rules)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// Debounce
// ---------------------------------------------------------------------------

func TestDebounce(t *testing.T) {
	t.Parallel()

	t.Run("raised only after M consecutive holds", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){holds(0.8)}}
		c := newTestClassifier(t, 3, rule)

		var all []SuspicionEvent
		for i := 1; i <= 5; i++ {
			events := c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))
			all = append(all, events...)
			if i < 3 {
				assert.Empty(t, all, "no event before the debounce threshold")
			}
		}

		// Exactly one Raised, never repeated while the verdict is unchanged.
		require.Len(t, all, 1)
		ev := all[0]
		assert.Equal(t, KindRaised, ev.Kind)
		assert.Equal(t, int64(1), ev.TrackID)
		assert.Equal(t, "loiter", ev.Rule)
		assert.Equal(t, sec(1), ev.StartUnixNanos) // Streak began on the first hold
		assert.Equal(t, sec(3), ev.EndUnixNanos)
		assert.InDelta(t, 0.8, ev.Confidence, 0.001)
		assert.NotEmpty(t, ev.ID)
	})

	t.Run("single hold blip never raises", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){
			holds(0.8), clears(),
		}}
		c := newTestClassifier(t, 3, rule)

		var all []SuspicionEvent
		for i := 1; i <= 6; i++ {
			all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))...)
		}
		assert.Empty(t, all)
	})

	t.Run("cleared only after M consecutive clears", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){
			holds(0.9), holds(0.9), holds(0.9), clears(),
		}}
		c := newTestClassifier(t, 3, rule)

		var all []SuspicionEvent
		for i := 1; i <= 6; i++ {
			all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))...)
		}

		require.Len(t, all, 2)
		assert.Equal(t, KindRaised, all[0].Kind)
		assert.Equal(t, KindCleared, all[1].Kind)
		// The Cleared event reports the same range start as its Raised.
		assert.Equal(t, all[0].StartUnixNanos, all[1].StartUnixNanos)
		assert.Equal(t, sec(6), all[1].EndUnixNanos)
	})

	t.Run("debounce of one transitions immediately", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){
			holds(0.8), clears(), holds(0.8),
		}}
		c := newTestClassifier(t, 1, rule)

		var all []SuspicionEvent
		for i := 1; i <= 3; i++ {
			all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))...)
		}
		require.Len(t, all, 3)
		assert.Equal(t, KindRaised, all[0].Kind)
		assert.Equal(t, KindCleared, all[1].Kind)
		assert.Equal(t, KindRaised, all[2].Kind)
	})
}

// ---------------------------------------------------------------------------
// Rule isolation
// ---------------------------------------------------------------------------

func TestRuleIsolation(t *testing.T) {
	t.Parallel()

	t.Run("rule error holds the previous verdict", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){
			holds(0.9), holds(0.9), holds(0.9),
			func() (Verdict, error) { return Verdict{}, errors.New("feature extraction failed") },
			clears(),
		}}
		c := newTestClassifier(t, 2, rule)

		var all []SuspicionEvent
		for i := 1; i <= 4; i++ {
			all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))...)
		}
		// Raised on eval 2; the eval-4 error neither clears nor re-raises.
		require.Len(t, all, 1)
		assert.Equal(t, KindRaised, all[0].Kind)

		// The error also must not have advanced the clear streak: two more
		// clean clears are still required.
		all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, 5)...))...)
		require.Len(t, all, 1)
		all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, 6)...))...)
		require.Len(t, all, 2)
		assert.Equal(t, KindCleared, all[1].Kind)
	})

	t.Run("panicking rule does not break the others", func(t *testing.T) {
		t.Parallel()
		panicky := &scriptRule{name: "zone", steps: []func() (Verdict, error){
			func() (Verdict, error) { panic("index out of range") },
		}}
		steady := &scriptRule{name: "loiter", steps: []func() (Verdict, error){holds(0.8)}}
		c := newTestClassifier(t, 2, panicky, steady)

		var all []SuspicionEvent
		for i := 1; i <= 3; i++ {
			all = append(all, c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))...)
		}
		require.Len(t, all, 1)
		assert.Equal(t, "loiter", all[0].Rule)
		assert.Equal(t, KindRaised, all[0].Kind)
	})
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

func TestTermination(t *testing.T) {
	t.Parallel()

	t.Run("open verdicts are force-closed", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){holds(0.9)}}
		c := newTestClassifier(t, 2, rule)

		for i := 1; i <= 2; i++ {
			c.Evaluate(snapAt(1, track.StatusConfirmed, secs(1, i)...))
		}
		require.Equal(t, 1, c.TrackedStateCount())

		events := c.Evaluate(snapAt(1, track.StatusTerminated, secs(1, 3)...))
		require.Len(t, events, 1)
		assert.Equal(t, KindCleared, events[0].Kind)
		assert.Equal(t, "track terminated", events[0].Evidence)
		assert.Equal(t, sec(1), events[0].StartUnixNanos)

		// State is discarded with the track.
		assert.Equal(t, 0, c.TrackedStateCount())
	})

	t.Run("terminated track with clear verdict emits nothing", func(t *testing.T) {
		t.Parallel()
		rule := &scriptRule{name: "loiter", steps: []func() (Verdict, error){clears()}}
		c := newTestClassifier(t, 2, rule)

		c.Evaluate(snapAt(1, track.StatusConfirmed, sec(1)))
		events := c.Evaluate(snapAt(1, track.StatusTerminated, secs(1, 2)...))
		assert.Empty(t, events)
		assert.Equal(t, 0, c.TrackedStateCount())
	})
}

// ---------------------------------------------------------------------------
// Batch evaluation
// ---------------------------------------------------------------------------

func TestEvaluateAll(t *testing.T) {
	t.Parallel()

	t.Run("tracks are independent", func(t *testing.T) {
		t.Parallel()
		rule := &perTrackRule{holdID: 1}
		c := newTestClassifier(t, 2, rule)

		for i := 1; i <= 3; i++ {
			tracks := []*track.Track{
				snapAt(1, track.StatusConfirmed, secs(1, i)...),
				snapAt(2, track.StatusConfirmed, secs(1, i)...),
			}
			events := c.EvaluateAll(tracks)
			if i == 2 {
				require.Len(t, events, 1)
				assert.Equal(t, int64(1), events[0].TrackID)
			} else {
				assert.Empty(t, events)
			}
		}
		assert.Equal(t, 2, c.TrackedStateCount())
	})
}

// perTrackRule holds only for one track id. Unlike scriptRule it is
// stateless, so it can serve multiple tracks in one classifier.
type perTrackRule struct {
	holdID int64
}

func (r *perTrackRule) Name() string { return "loiter" }

func (r *perTrackRule) Evaluate(w *Window) (Verdict, error) {
	if w.TrackID == r.holdID {
		return Verdict{Hold: true, Confidence: 0.8, Evidence: "scripted"}, nil
	}
	return Verdict{}, nil
}

// secs returns the timestamps sec(from)..sec(to) inclusive.
func secs(from, to int) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, sec(i))
	}
	return out
}
