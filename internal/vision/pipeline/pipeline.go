// Package pipeline wires the capture → detect → track → classify → sink
// flow: frames are produced ahead through a small bounded queue while the
// previous frame is still being tracked, and suspicion events fan out to
// the configured sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

// Frame is one captured image with its capture timestamp. The pipeline
// treats the image payload as opaque; only the detector interprets it.
type Frame struct {
	Image     []byte
	UnixNanos int64
}

// FrameSource yields timestamped frames from a capture device, window
// region, or replay fixture. Next returns io.EOF when the source is
// exhausted and ctx.Err() when cancelled.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// Detector converts one frame into detections. A detector failure for a
// given frame is recovered by the pipeline as an empty detection set.
type Detector interface {
	Detect(ctx context.Context, f Frame) ([]detect.Detection, error)
}

// Sink receives suspicion events. Delivery is at-least-once from the
// pipeline's perspective; sinks are responsible for idempotent handling.
type Sink interface {
	Publish(ev behavior.SuspicionEvent) error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	FramesCaptured    int64 `json:"frames_captured"`
	FramesDropped     int64 `json:"frames_dropped"` // Queue full, newest frame discarded
	FramesProcessed   int64 `json:"frames_processed"`
	DetectorFailures  int64 `json:"detector_failures"`
	OutOfOrderDropped int64 `json:"out_of_order_dropped"`
	EventsEmitted     int64 `json:"events_emitted"`
	SinkFailures      int64 `json:"sink_failures"`
}

// Pipeline runs the whole frame loop. One frame is processed end-to-end
// before the next begins; capture and detection run ahead by at most the
// queue depth.
type Pipeline struct {
	source     FrameSource
	detector   Detector
	tracker    *track.Tracker
	classifier *behavior.Classifier
	sinks      []Sink
	queueDepth int

	framesCaptured    atomic.Int64
	framesDropped     atomic.Int64
	framesProcessed   atomic.Int64
	detectorFailures  atomic.Int64
	outOfOrderDropped atomic.Int64
	eventsEmitted     atomic.Int64
	sinkFailures      atomic.Int64

	logf func(format string, v ...interface{})
}

// detectedFrame is a frame whose detection pass already ran, queued for the
// tracking stage.
type detectedFrame struct {
	detections []detect.Detection
	unixNanos  int64
}

// New constructs a pipeline. queueDepth must be 1 or 2: deep queues would
// trade freshness for latency, which is the wrong trade for a live watch
// service.
func New(source FrameSource, detector Detector, tracker *track.Tracker, classifier *behavior.Classifier, sinks []Sink, queueDepth int) (*Pipeline, error) {
	if source == nil || detector == nil || tracker == nil || classifier == nil {
		return nil, errors.New("pipeline: source, detector, tracker, and classifier are required")
	}
	if queueDepth < 1 || queueDepth > 2 {
		return nil, fmt.Errorf("pipeline: queue depth must be 1 or 2, got %d", queueDepth)
	}
	return &Pipeline{
		source:     source,
		detector:   detector,
		tracker:    tracker,
		classifier: classifier,
		sinks:      sinks,
		queueDepth: queueDepth,
		logf:       monitoring.Prefixed("Pipeline"),
	}, nil
}

// Run drives the pipeline until the source is exhausted or ctx is
// cancelled. The in-flight frame always completes before Run returns, so a
// shutdown never leaves a partial track update behind.
func (p *Pipeline) Run(ctx context.Context) error {
	frames := make(chan detectedFrame, p.queueDepth)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		p.produce(ctx, frames)
	}()

	for df := range frames {
		p.process(df)

		// Cooperative stop, checked between frames only.
		select {
		case <-ctx.Done():
			// Unblock the producer's channel send, then stop.
			go func() {
				for range frames {
				}
			}()
			wg.Wait()
			return ctx.Err()
		default:
		}
	}

	wg.Wait()
	return ctx.Err()
}

// produce captures and detects ahead of the tracking stage. When the queue
// is full the newest frame is dropped — a live watcher wants fresh frames,
// not a growing backlog — and capture is never blocked indefinitely.
func (p *Pipeline) produce(ctx context.Context, frames chan<- detectedFrame) {
	for {
		frame, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.logf("frame source error: %v", err)
			return
		}
		p.framesCaptured.Add(1)

		detections, err := p.detector.Detect(ctx, frame)
		if err != nil {
			// Recovered: the frame contributes zero detections and tracks
			// age normally.
			p.detectorFailures.Add(1)
			p.logf("detector failed for frame at %d, treating as empty: %v", frame.UnixNanos, err)
			detections = nil
		}

		select {
		case frames <- detectedFrame{detections: detections, unixNanos: frame.UnixNanos}:
		default:
			p.framesDropped.Add(1)
		}
	}
}

// process runs one frame through tracking, classification, and the sinks.
func (p *Pipeline) process(df detectedFrame) {
	live, err := p.tracker.Update(df.detections, df.unixNanos)
	if err != nil {
		if errors.Is(err, track.ErrOutOfOrderFrame) {
			// Fatal to this frame only; the tracker state is untouched.
			p.outOfOrderDropped.Add(1)
			p.logf("dropped out-of-order frame: %v", err)
			return
		}
		p.logf("tracker update failed: %v", err)
		return
	}
	p.framesProcessed.Add(1)

	events := p.classifier.EvaluateAll(live)

	// Terminated tracks get one final evaluation so open Suspicious
	// verdicts are closed before their state is discarded.
	if terminated := p.tracker.DrainTerminated(); len(terminated) > 0 {
		events = append(events, p.classifier.EvaluateAll(terminated)...)
	}

	for _, ev := range events {
		p.eventsEmitted.Add(1)
		for _, sink := range p.sinks {
			if err := sink.Publish(ev); err != nil {
				p.sinkFailures.Add(1)
				p.logf("sink failed for event %s (track %d %s/%s): %v", ev.ID, ev.TrackID, ev.Rule, ev.Kind, err)
			}
		}
	}
}

// GetStats returns a snapshot of the pipeline counters.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		FramesCaptured:    p.framesCaptured.Load(),
		FramesDropped:     p.framesDropped.Load(),
		FramesProcessed:   p.framesProcessed.Load(),
		DetectorFailures:  p.detectorFailures.Load(),
		OutOfOrderDropped: p.outOfOrderDropped.Load(),
		EventsEmitted:     p.eventsEmitted.Load(),
		SinkFailures:      p.sinkFailures.Load(),
	}
}
