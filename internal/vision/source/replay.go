// Package source provides development and test frame sources: a JSONL
// fixture replayer and a scripted synthetic generator. Both stand in for
// the real capture + model inference pair, which live outside this module.
package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kestrel-vision/kestrel/internal/timeutil"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/pipeline"
)

// FrameRecord is the JSONL fixture format: one frame per line with its
// pre-computed detections. The replay source carries each line as the
// opaque frame image; FixtureDetector decodes it back.
type FrameRecord struct {
	UnixNanos  int64              `json:"unix_nanos"`
	Detections []detect.Detection `json:"detections"`
}

// ReplaySource reads FrameRecord lines from a fixture stream. With Pace
// set, frames are delivered with the original inter-frame delays, which
// approximates a live capture for dev runs; unpaced replay is used by the
// offline replay tool and tests.
type ReplaySource struct {
	scanner   *bufio.Scanner
	pace      bool
	clock     timeutil.Clock
	lastNanos int64
	line      int
}

// NewReplaySource wraps a JSONL fixture reader.
func NewReplaySource(r io.Reader, pace bool) *ReplaySource {
	return NewReplaySourceWithClock(r, pace, timeutil.RealClock{})
}

// NewReplaySourceWithClock is NewReplaySource with an injected clock, for
// testing paced replay without real delays.
func NewReplaySourceWithClock(r io.Reader, pace bool, clock timeutil.Clock) *ReplaySource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &ReplaySource{scanner: sc, pace: pace, clock: clock}
}

// Next implements pipeline.FrameSource. Returns io.EOF at end of fixture.
func (s *ReplaySource) Next(ctx context.Context) (pipeline.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipeline.Frame{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return pipeline.Frame{}, fmt.Errorf("fixture read: %w", err)
			}
			return pipeline.Frame{}, io.EOF
		}
		s.line++

		raw := s.scanner.Bytes()
		if len(raw) == 0 {
			continue // Blank line between fixture sections
		}

		var rec FrameRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return pipeline.Frame{}, fmt.Errorf("fixture line %d: %w", s.line, err)
		}

		if s.pace && s.lastNanos > 0 && rec.UnixNanos > s.lastNanos {
			delay := time.Duration(rec.UnixNanos - s.lastNanos)
			select {
			case <-s.clock.After(delay):
			case <-ctx.Done():
				return pipeline.Frame{}, ctx.Err()
			}
		}
		s.lastNanos = rec.UnixNanos

		img := make([]byte, len(raw))
		copy(img, raw)
		return pipeline.Frame{Image: img, UnixNanos: rec.UnixNanos}, nil
	}
}

// FixtureDetector decodes the detections a replayed frame carries inline,
// standing in for model inference. Frames whose payload is not a
// FrameRecord produce a detector error, which the pipeline recovers as an
// empty detection set.
type FixtureDetector struct{}

// Detect implements pipeline.Detector.
func (FixtureDetector) Detect(_ context.Context, f pipeline.Frame) ([]detect.Detection, error) {
	var rec FrameRecord
	if err := json.Unmarshal(f.Image, &rec); err != nil {
		return nil, fmt.Errorf("decode frame record: %w", err)
	}
	for i := range rec.Detections {
		rec.Detections[i].UnixNanos = rec.UnixNanos
	}
	return rec.Detections, nil
}
