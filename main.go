// Command kestrel watches a capture feed for suspicious behaviour: frames
// come in from a replay fixture or a synthetic scene, detections are tracked
// across frames, and rule verdicts are persisted and served over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrel-vision/kestrel/internal/alerts"
	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/version"
	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
	"github.com/kestrel-vision/kestrel/internal/vision/monitor"
	"github.com/kestrel-vision/kestrel/internal/vision/pipeline"
	"github.com/kestrel-vision/kestrel/internal/vision/source"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

var (
	devMode    = flag.Bool("dev", false, "Run a synthetic scene instead of a fixture")
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "kestrel.db", "Path to the event store")
	configPath = flag.String("config", "", "Path to a tuning config JSON (defaults to the bundled config)")
	fixture    = flag.String("fixture", "", "Path to a detections fixture (JSONL)")
	pace       = flag.Bool("pace", false, "Pace fixture replay by recorded timestamps")
	migrations = flag.String("migrations", "migrations", "Path to the schema migrations directory")
)

func main() {
	flag.Parse()

	log.Printf("kestrel %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if *listen == "" {
		log.Fatal("Listen address is required")
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

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.MigrateUp(*migrations); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	var src pipeline.FrameSource
	switch {
	case *fixture != "":
		f, err := os.Open(*fixture)
		if err != nil {
			log.Fatalf("failed to open fixture file: %v", err)
		}
		defer f.Close()
		src = source.NewReplaySource(f, *pace)
	case *devMode:
		src = demoScene()
	default:
		log.Fatal("either -fixture or -dev is required")
	}

	events := monitor.NewBroadcaster()
	sinks := []pipeline.Sink{
		alerts.NewLogSink(),
		alerts.NewStoreSink(database),
		events,
	}

	pipe, err := pipeline.New(src, source.FixtureDetector{}, tracker, classifier, sinks, cfg.GetQueueDepth())
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the watch loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline stopped with error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// record the final shape of terminated tracks for later inspection
	wg.Add(1)
	go func() {
		defer wg.Done()
		recordSummaries(ctx, tracker, database)
		log.Print("summary routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    *listen,
			Tracker:    tracker,
			Classifier: classifier,
			Pipeline:   pipe,
			DB:         database,
			Events:     events,
		})
		if err := ws.Start(ctx); err != nil {
			log.Printf("web server stopped with error: %v", err)
		}
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// recordSummaries periodically persists summaries of the live confirmed
// tracks so a crash loses at most one interval of summary data.
func recordSummaries(ctx context.Context, tracker *track.Tracker, database *db.DB) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tr := range tracker.ConfirmedTracks() {
				if err := database.RecordTrackSummary(tr); err != nil {
					log.Printf("failed to record track summary: %v", err)
				}
			}
		}
	}
}

// demoScene scripts a small synthetic scene: one walker crossing the frame,
// one loiterer holding still, and a late runner. Useful for exercising the
// rules without a fixture.
func demoScene() *source.SyntheticSource {
	paths := []source.Path{
		{
			Label:      "person",
			Confidence: 0.9,
			Start:      detect.BBox{X: 0, Y: 100, W: 40, H: 90},
			StepX:      4,
			FirstFrame: 0,
			LastFrame:  200,
		},
		{
			Label:      "person",
			Confidence: 0.85,
			Start:      detect.BBox{X: 400, Y: 300, W: 40, H: 90},
			StepX:      0.2,
			FirstFrame: 0,
			LastFrame:  500,
		},
		{
			Label:      "person",
			Confidence: 0.8,
			Start:      detect.BBox{X: 700, Y: 50, W: 40, H: 90},
			StepX:      -12,
			StepY:      6,
			FirstFrame: 250,
			LastFrame:  320,
		},
	}
	return source.NewSyntheticSource(paths, 600, time.Now().UnixNano(), (33 * time.Millisecond).Nanoseconds())
}
