package source

import (
	"context"
	"encoding/json"
	"io"

	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/pipeline"
)

// Path scripts one synthetic object: a box that appears at FirstFrame,
// moves by (StepX, StepY) each frame, and disappears after LastFrame.
type Path struct {
	Label      string
	Confidence float64
	Start      detect.BBox
	StepX      float64
	StepY      float64
	FirstFrame int
	LastFrame  int
}

// SyntheticSource generates frames from scripted paths at a fixed frame
// interval. Frames carry the same JSONL payload as replay fixtures so
// FixtureDetector decodes them unchanged.
type SyntheticSource struct {
	paths         []Path
	frame         int
	frames        int
	startNanos    int64
	intervalNanos int64
}

// NewSyntheticSource scripts a run of frames total frames at the given
// interval, starting at startNanos.
func NewSyntheticSource(paths []Path, frames int, startNanos, intervalNanos int64) *SyntheticSource {
	return &SyntheticSource{
		paths:         paths,
		frames:        frames,
		startNanos:    startNanos,
		intervalNanos: intervalNanos,
	}
}

// Next implements pipeline.FrameSource.
func (s *SyntheticSource) Next(ctx context.Context) (pipeline.Frame, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}
	if s.frame >= s.frames {
		return pipeline.Frame{}, io.EOF
	}

	rec := FrameRecord{UnixNanos: s.startNanos + int64(s.frame)*s.intervalNanos}
	for _, p := range s.paths {
		if s.frame < p.FirstFrame || s.frame > p.LastFrame {
			continue
		}
		steps := float64(s.frame - p.FirstFrame)
		box := p.Start
		box.X += p.StepX * steps
		box.Y += p.StepY * steps
		rec.Detections = append(rec.Detections, detect.Detection{
			Box:        box,
			Label:      p.Label,
			Confidence: p.Confidence,
		})
	}
	s.frame++

	img, err := json.Marshal(rec)
	if err != nil {
		return pipeline.Frame{}, err
	}
	return pipeline.Frame{Image: img, UnixNanos: rec.UnixNanos}, nil
}
