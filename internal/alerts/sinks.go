// Package alerts provides the suspicion-event sinks wired behind the
// pipeline: structured logging and the sqlite event store. Delivery is
// at-least-once; each sink is responsible for its own idempotency.
package alerts

import (
	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
)

// LogSink writes every event to the diagnostic log. Used standalone in dev
// mode and alongside the store in production.
type LogSink struct {
	logf func(format string, v ...interface{})
}

// NewLogSink creates a LogSink.
func NewLogSink() *LogSink {
	return &LogSink{logf: monitoring.Prefixed("Alert")}
}

// Publish implements pipeline.Sink.
func (s *LogSink) Publish(ev behavior.SuspicionEvent) error {
	s.logf("%s track=%d rule=%s range=%d..%d confidence=%.2f %s",
		ev.Kind, ev.TrackID, ev.Rule, ev.StartUnixNanos, ev.EndUnixNanos, ev.Confidence, ev.Evidence)
	return nil
}

// StoreSink persists events to the sqlite event store. The store's unique
// constraint on (track_id, rule, kind, start_unix_nanos) absorbs redelivery.
type StoreSink struct {
	db *db.DB
}

// NewStoreSink creates a StoreSink over an open event store.
func NewStoreSink(database *db.DB) *StoreSink {
	return &StoreSink{db: database}
}

// Publish implements pipeline.Sink.
func (s *StoreSink) Publish(ev behavior.SuspicionEvent) error {
	return s.db.RecordEvent(ev)
}
