// Package state keeps the archive event log: a DuckDB table recording every
// lifecycle event per archive, used to skip already-processed archives on
// resumed runs and to inspect what a run did after the fact.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Event types recorded per archive.
const (
	EventDiscovered   = "discovered"
	EventProcessStart = "process_start"
	EventProcessEnd   = "process_end"
	EventSkip         = "skip"
	EventError        = "error"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS archive_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS archive_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('archive_event_log_id_seq'),
    archive_path    VARCHAR NOT NULL,
    collection      VARCHAR NOT NULL,
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    run_id          VARCHAR,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_archive_event_log_path ON archive_event_log (archive_path, event);
CREATE INDEX IF NOT EXISTS idx_archive_event_log_time ON archive_event_log (event, event_timestamp);
`

// InitializeSchema creates the sequence and event log table.
func InitializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSequenceSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create event log sequence: %w", err)
	}
	if _, err := db.Exec(schemaTableSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create event log table: %w", err)
	}
	return nil
}

// LogArchiveEvent appends one event to the log. Event logging is best
// effort on the hot path; callers decide whether a failure matters.
func LogArchiveEvent(ctx context.Context, db *sql.DB, archivePath, collection, event, runID, message string, duration *time.Duration) error {
	var durationMs sql.NullInt64
	if duration != nil {
		durationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO archive_event_log (archive_path, collection, event, event_timestamp, run_id, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `,
		archivePath,
		collection,
		event,
		time.Now().UTC(),
		sql.NullString{String: runID, Valid: runID != ""},
		sql.NullString{String: message, Valid: message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("log event '%s' for '%s': %w", event, archivePath, err)
	}
	return nil
}

// CompletedArchives returns the set of archive paths that have ever reached
// process_end, for skip checks on resumed runs.
func CompletedArchives(ctx context.Context, db *sql.DB, logger *slog.Logger) (map[string]bool, error) {
	completed := make(map[string]bool)

	rows, err := db.QueryContext(ctx, `
        SELECT DISTINCT archive_path
        FROM archive_event_log
        WHERE event = ?;
    `, EventProcessEnd)
	if err != nil {
		return nil, fmt.Errorf("query completed archives: %w", err)
	}
	defer rows.Close()

	var scanErrs error
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			scanErrs = errors.Join(scanErrs, fmt.Errorf("scan completed archive path: %w", err))
			continue
		}
		if path != "" {
			completed[path] = true
		}
	}
	if err := rows.Err(); err != nil {
		scanErrs = errors.Join(scanErrs, fmt.Errorf("iterate completed archives: %w", err))
	}

	logger.Debug("Loaded completed archives from event log.", slog.Int("count", len(completed)))
	return completed, scanErrs
}

// Event is one row of the event log, as returned by RecentEvents.
type Event struct {
	ArchivePath string
	Collection  string
	EventType   string
	Timestamp   time.Time
	RunID       string
	Message     string
	DurationMs  int64
}

// RecentEvents returns the newest events, optionally filtered by event type.
func RecentEvents(ctx context.Context, db *sql.DB, eventFilter string, limit int) ([]Event, error) {
	query := `
        SELECT archive_path, collection, event, event_timestamp, run_id, message, duration_ms
        FROM archive_event_log
    `
	args := []any{}
	if eventFilter != "" {
		query += " WHERE event = ?"
		args = append(args, eventFilter)
	}
	query += " ORDER BY event_timestamp DESC, log_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var runID, message sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&ev.ArchivePath, &ev.Collection, &ev.EventType, &ev.Timestamp, &runID, &message, &durationMs); err != nil {
			return nil, fmt.Errorf("scan event log row: %w", err)
		}
		ev.RunID = runID.String
		ev.Message = message.String
		ev.DurationMs = durationMs.Int64
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log rows: %w", err)
	}
	return events, nil
}
