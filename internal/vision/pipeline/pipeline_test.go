package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// frameRecord mirrors the fixture payload so tests can script detections
// without importing the source package (which imports this one).
type frameRecord struct {
	UnixNanos  int64              `json:"unix_nanos"`
	Detections []detect.Detection `json:"detections"`
}

// sliceSource yields pre-built frames then io.EOF. onFrame, when set, runs
// before each frame is returned.
type sliceSource struct {
	frames  []Frame
	next    int
	onFrame func(i int)
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.frames) {
		return Frame{}, io.EOF
	}
	if s.onFrame != nil {
		s.onFrame(s.next)
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// recordDetector decodes frameRecord payloads, erroring on frames listed in
// failOn.
type recordDetector struct {
	failOn map[int64]bool
}

func (d *recordDetector) Detect(_ context.Context, f Frame) ([]detect.Detection, error) {
	if d.failOn[f.UnixNanos] {
		return nil, errors.New("inference backend unavailable")
	}
	var rec frameRecord
	if err := json.Unmarshal(f.Image, &rec); err != nil {
		return nil, err
	}
	return rec.Detections, nil
}

// collectSink records events; fail makes every Publish error.
type collectSink struct {
	mu     sync.Mutex
	events []behavior.SuspicionEvent
	fail   bool
}

func (s *collectSink) Publish(ev behavior.SuspicionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) all() []behavior.SuspicionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]behavior.SuspicionEvent, len(s.events))
	copy(out, s.events)
	return out
}

func sec(n int) int64 { return int64(n) * 1e9 }

func frameAt(nanos int64, dets ...detect.Detection) Frame {
	img, err := json.Marshal(frameRecord{UnixNanos: nanos, Detections: dets})
	if err != nil {
		panic(err)
	}
	return Frame{Image: img, UnixNanos: nanos}
}

func personAt(x float64) detect.Detection {
	return detect.Detection{Box: detect.BBox{X: x, Y: 10, W: 20, H: 20}, Label: "person", Confidence: 0.9}
}

func testTracker(t *testing.T) *track.Tracker {
	t.Helper()
	tracker, err := track.NewTracker(track.Config{
		MinIoU:           0.1,
		HitsToConfirm:    2,
		MaxMisses:        2,
		LostGraceFrames:  2,
		MaxTracks:        100,
		MaxHistoryLength: 100,
	})
	require.NoError(t, err)
	return tracker
}

func testClassifier(t *testing.T, rules ...behavior.Rule) *behavior.Classifier {
	t.Helper()
	c, err := behavior.NewClassifier(behavior.Config{WindowSize: 30, DebounceCount: 1}, rules)
	require.NoError(t, err)
	return c
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("rejects missing components", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil, &recordDetector{}, testTracker(t), testClassifier(t), nil, 1)
		assert.Error(t, err)
	})

	t.Run("rejects bad queue depth", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{}
		for _, depth := range []int{0, 3, -1} {
			_, err := New(src, &recordDetector{}, testTracker(t), testClassifier(t), nil, depth)
			assert.Error(t, err, "depth %d", depth)
		}
	})
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("processes every frame to EOF", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{frames: []Frame{
			frameAt(sec(1), personAt(0)),
			frameAt(sec(2), personAt(2)),
			frameAt(sec(3), personAt(4)),
		}}
		tracker := testTracker(t)
		p, err := New(src, &recordDetector{}, tracker, testClassifier(t), nil, 2)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		stats := p.GetStats()
		assert.Equal(t, int64(3), stats.FramesCaptured)
		assert.Equal(t, int64(3), stats.FramesProcessed)
		assert.Equal(t, int64(0), stats.DetectorFailures)
		assert.Equal(t, int64(1), tracker.GetMetrics().TracksCreated)
	})

	t.Run("events reach every sink", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{frames: []Frame{
			frameAt(sec(1), personAt(0)),
			frameAt(sec(2), personAt(0)),
			frameAt(sec(3), personAt(0)),
		}}
		a := &collectSink{}
		b := &collectSink{}
		// Every observed frame counts as loitering, so a Raised event fires
		// as soon as the debounce allows.
		rule := &behavior.LoiterRule{FrameLimit: 1}
		p, err := New(src, &recordDetector{}, testTracker(t), testClassifier(t, rule), []Sink{a, b}, 1)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		require.NotEmpty(t, a.all())
		assert.Equal(t, len(a.all()), len(b.all()))
		assert.Equal(t, behavior.KindRaised, a.all()[0].Kind)
		assert.Equal(t, p.GetStats().EventsEmitted, int64(len(a.all())))
	})

	t.Run("sink failure is counted but not fatal", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{frames: []Frame{
			frameAt(sec(1), personAt(0)),
			frameAt(sec(2), personAt(0)),
			frameAt(sec(3), personAt(0)),
		}}
		bad := &collectSink{fail: true}
		good := &collectSink{}
		rule := &behavior.LoiterRule{FrameLimit: 1}
		p, err := New(src, &recordDetector{}, testTracker(t), testClassifier(t, rule), []Sink{bad, good}, 1)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		assert.NotEmpty(t, good.all())
		stats := p.GetStats()
		assert.Equal(t, int64(len(good.all())), stats.SinkFailures)
	})

	t.Run("detector failure becomes an empty frame", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{frames: []Frame{
			frameAt(sec(1), personAt(0)),
			frameAt(sec(2), personAt(0)),
			frameAt(sec(3), personAt(0)),
		}}
		det := &recordDetector{failOn: map[int64]bool{sec(2): true}}
		tracker := testTracker(t)
		p, err := New(src, det, tracker, testClassifier(t), nil, 1)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		stats := p.GetStats()
		assert.Equal(t, int64(1), stats.DetectorFailures)
		// The empty frame still advanced the clock: the frame-2 miss reset
		// the hit streak, so the track is still Tentative after frame 3.
		assert.Equal(t, int64(3), stats.FramesProcessed)
		assert.Equal(t, int64(3), tracker.GetMetrics().FramesProcessed)
	})

	t.Run("out-of-order frames are dropped without stopping", func(t *testing.T) {
		t.Parallel()
		src := &sliceSource{frames: []Frame{
			frameAt(sec(2), personAt(0)),
			frameAt(sec(1), personAt(0)), // Stale
			frameAt(sec(3), personAt(0)),
		}}
		p, err := New(src, &recordDetector{}, testTracker(t), testClassifier(t), nil, 1)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		stats := p.GetStats()
		assert.Equal(t, int64(3), stats.FramesCaptured)
		assert.Equal(t, int64(1), stats.OutOfOrderDropped)
		assert.Equal(t, int64(2), stats.FramesProcessed)
	})

	t.Run("terminated tracks get a final evaluation", func(t *testing.T) {
		t.Parallel()
		// The track raises, then vanishes. Its termination must close the
		// verdict even though the track is no longer live.
		frames := []Frame{
			frameAt(sec(1), personAt(0)),
			frameAt(sec(2), personAt(0)),
			frameAt(sec(3), personAt(0)),
		}
		// MaxMisses 2, grace 2: five empty frames terminate the track.
		for i := 4; i <= 9; i++ {
			frames = append(frames, frameAt(sec(i)))
		}
		sink := &collectSink{}
		rule := &behavior.LoiterRule{FrameLimit: 1}
		p, err := New(&sliceSource{frames: frames}, &recordDetector{}, testTracker(t), testClassifier(t, rule), []Sink{sink}, 1)
		require.NoError(t, err)

		require.NoError(t, p.Run(context.Background()))

		events := sink.all()
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, behavior.KindCleared, last.Kind)
	})

	t.Run("cancellation stops between frames", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())

		frames := make([]Frame, 50)
		for i := range frames {
			frames[i] = frameAt(sec(i+1), personAt(float64(i)))
		}
		src := &sliceSource{frames: frames, onFrame: func(i int) {
			if i == 10 {
				cancel()
			}
		}}
		p, err := New(src, &recordDetector{}, testTracker(t), testClassifier(t), nil, 1)
		require.NoError(t, err)

		err = p.Run(ctx)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, p.GetStats().FramesProcessed, int64(50))
	})
}
