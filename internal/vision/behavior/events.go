// Package behavior evaluates track histories against pluggable
// suspicious-behaviour rules and emits debounced raise/clear events.
package behavior

import "github.com/google/uuid"

// EventKind distinguishes verdict transitions.
type EventKind string

const (
	// KindRaised marks a Clear → Suspicious transition.
	KindRaised EventKind = "raised"
	// KindCleared marks a Suspicious → Clear transition.
	KindCleared EventKind = "cleared"
)

// SuspicionEvent is emitted exactly once per verdict transition. Immutable
// once emitted; delivery to sinks is at-least-once, so consumers dedup on
// (TrackID, Rule, Kind, StartUnixNanos).
type SuspicionEvent struct {
	ID             string    `json:"id"`
	TrackID        int64     `json:"track_id"`
	Rule           string    `json:"rule"`
	Kind           EventKind `json:"kind"`
	StartUnixNanos int64     `json:"start_unix_nanos"` // When the rule began holding
	EndUnixNanos   int64     `json:"end_unix_nanos"`   // Frame that triggered the transition
	Evidence       string    `json:"evidence"`
	Confidence     float64   `json:"confidence"`
}

func newEvent(trackID int64, rule string, kind EventKind, startNanos, endNanos int64, evidence string, confidence float64) SuspicionEvent {
	return SuspicionEvent{
		ID:             uuid.NewString(),
		TrackID:        trackID,
		Rule:           rule,
		Kind:           kind,
		StartUnixNanos: startNanos,
		EndUnixNanos:   endNanos,
		Evidence:       evidence,
		Confidence:     confidence,
	}
}
