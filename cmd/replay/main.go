// Command replay runs a detections fixture through the tracker and
// classifier offline and prints a per-track and per-event summary. Useful
// for tuning thresholds against a recorded scene without starting the
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/pipeline"
	"github.com/kestrel-vision/kestrel/internal/vision/source"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

var (
	fixture    = flag.String("fixture", "", "Path to a detections fixture (JSONL, required)")
	configPath = flag.String("config", "", "Path to a tuning config JSON (defaults to the bundled config)")
)

// collectorSink gathers events in memory for the final report.
type collectorSink struct {
	events []behavior.SuspicionEvent
}

func (s *collectorSink) Publish(ev behavior.SuspicionEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func main() {
	flag.Parse()

	if *fixture == "" {
		log.Fatal("-fixture is required")
	}

	var cfg *config.TuningConfig
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	} else {
		cfg = config.MustLoadDefaultConfig()
	}

	f, err := os.Open(*fixture)
	if err != nil {
		log.Fatalf("failed to open fixture file: %v", err)
	}
	defer f.Close()

	tracker, err := track.NewTracker(track.ConfigFromTuning(cfg))
	if err != nil {
		log.Fatalf("failed to create tracker: %v", err)
	}
	rules, err := behavior.RulesFromTuning(cfg)
	if err != nil {
		log.Fatalf("failed to build rules: %v", err)
	}
	classifier, err := behavior.NewClassifier(behavior.ConfigFromTuning(cfg), rules)
	if err != nil {
		log.Fatalf("failed to create classifier: %v", err)
	}

	collector := &collectorSink{}
	pipe, err := pipeline.New(
		source.NewReplaySource(f, false),
		source.FixtureDetector{},
		tracker, classifier,
		[]pipeline.Sink{collector},
		cfg.GetQueueDepth(),
	)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	if err := pipe.Run(context.Background()); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	report(tracker, pipe.GetStats(), collector.events)
}

func report(tracker *track.Tracker, stats pipeline.Stats, events []behavior.SuspicionEvent) {
	fmt.Printf("frames: captured=%d processed=%d dropped=%d detector_failures=%d out_of_order=%d\n",
		stats.FramesCaptured, stats.FramesProcessed, stats.FramesDropped,
		stats.DetectorFailures, stats.OutOfOrderDropped)

	m := tracker.GetMetrics()
	fmt.Printf("tracks: created=%d confirmed=%d terminated=%d fragmentation=%.2f\n",
		m.TracksCreated, m.TracksConfirmed, m.TracksTerminated, m.FragmentationRatio)

	remaining := tracker.ActiveTracks()
	if len(remaining) > 0 {
		fmt.Printf("\nstill live at end of fixture:\n")
		for _, tr := range remaining {
			fmt.Printf("  track %d %s %s age=%d frames, speed=%.1f px/s\n",
				tr.ID, tr.Label, tr.Status, tr.Age, tr.Speed())
		}
	}

	if len(events) == 0 {
		fmt.Printf("\nno suspicion events\n")
		return
	}

	byTrack := make(map[int64][]behavior.SuspicionEvent)
	var trackIDs []int64
	for _, ev := range events {
		if _, seen := byTrack[ev.TrackID]; !seen {
			trackIDs = append(trackIDs, ev.TrackID)
		}
		byTrack[ev.TrackID] = append(byTrack[ev.TrackID], ev)
	}
	sort.Slice(trackIDs, func(a, b int) bool { return trackIDs[a] < trackIDs[b] })

	fmt.Printf("\nsuspicion events (%d):\n", len(events))
	for _, id := range trackIDs {
		fmt.Printf("  track %d:\n", id)
		for _, ev := range byTrack[id] {
			durSec := float64(ev.EndUnixNanos-ev.StartUnixNanos) / 1e9
			fmt.Printf("    %-7s %-8s after %.1fs confidence=%.2f %s\n",
				ev.Kind, ev.Rule, durSec, ev.Confidence, ev.Evidence)
		}
	}
}
