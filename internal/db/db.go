// Package db owns the kestrel event store: a sqlite database holding
// suspicion events and terminated-track summaries.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
	"github.com/kestrel-vision/kestrel/internal/vision/track"
)

type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the sqlite database at path and applies
// the connection pragmas. Schema creation is handled by MigrateUp.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// WAL keeps the monitor's reads from blocking the pipeline's writes.
	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	return &DB{DB: sqldb, path: path}, nil
}

// RecordEvent persists one suspicion event. The schema's uniqueness on
// (track_id, rule, kind, start_unix_nanos) makes at-least-once delivery
// idempotent: redelivered events are ignored.
func (db *DB) RecordEvent(ev behavior.SuspicionEvent) error {
	_, err := db.Exec(`
		INSERT INTO suspicion_events
			(event_id, track_id, rule, kind, start_unix_nanos, end_unix_nanos, evidence, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_id, rule, kind, start_unix_nanos) DO NOTHING`,
		ev.ID, ev.TrackID, ev.Rule, string(ev.Kind), ev.StartUnixNanos, ev.EndUnixNanos, ev.Evidence, ev.Confidence)
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

// RecordTrackSummary persists the final shape of a terminated track.
func (db *DB) RecordTrackSummary(tr *track.Track) error {
	_, err := db.Exec(`
		INSERT INTO track_summaries
			(track_id, label, first_unix_nanos, last_unix_nanos, total_frames, peak_speed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (track_id) DO UPDATE SET
			last_unix_nanos = excluded.last_unix_nanos,
			total_frames = excluded.total_frames,
			peak_speed = excluded.peak_speed`,
		tr.ID, tr.Label, tr.FirstUnixNanos, tr.LastUnixNanos, len(tr.History), tr.Speed())
	if err != nil {
		return fmt.Errorf("record track summary %d: %w", tr.ID, err)
	}
	return nil
}

// StoredEvent is one suspicion event row.
type StoredEvent struct {
	EventID        string  `json:"event_id"`
	TrackID        int64   `json:"track_id"`
	Rule           string  `json:"rule"`
	Kind           string  `json:"kind"`
	StartUnixNanos int64   `json:"start_unix_nanos"`
	EndUnixNanos   int64   `json:"end_unix_nanos"`
	Evidence       string  `json:"evidence"`
	Confidence     float64 `json:"confidence"`
}

// RecentEvents returns the newest events, most recent first.
func (db *DB) RecentEvents(limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT event_id, track_id, rule, kind, start_unix_nanos, end_unix_nanos, evidence, confidence
		FROM suspicion_events
		ORDER BY end_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.EventID, &ev.TrackID, &ev.Rule, &ev.Kind,
			&ev.StartUnixNanos, &ev.EndUnixNanos, &ev.Evidence, &ev.Confidence); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventsForTrack returns all events for one track in time order.
func (db *DB) EventsForTrack(trackID int64) ([]StoredEvent, error) {
	rows, err := db.Query(`
		SELECT event_id, track_id, rule, kind, start_unix_nanos, end_unix_nanos, evidence, confidence
		FROM suspicion_events
		WHERE track_id = ?
		ORDER BY start_unix_nanos ASC, kind DESC`, trackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.EventID, &ev.TrackID, &ev.Rule, &ev.Kind,
			&ev.StartUnixNanos, &ev.EndUnixNanos, &ev.Evidence, &ev.Confidence); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// EventCounts returns raised/cleared totals, for the status endpoint.
func (db *DB) EventCounts() (raised, cleared int64, err error) {
	err = db.QueryRow(`
		SELECT
			COUNT(CASE WHEN kind = 'raised' THEN 1 END),
			COUNT(CASE WHEN kind = 'cleared' THEN 1 END)
		FROM suspicion_events`).Scan(&raised, &cleared)
	return raised, cleared, err
}
