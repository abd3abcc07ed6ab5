// Package audit implements the Audit Log (C10): an append-only record of
// every eventbus.Event published on the bus, persisted to PostgreSQL, grounded
// on semantic/runtime.EventStore's save/query shape over db.PostgresDB.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flow.evalgo.org/db"
	"flow.evalgo.org/eventbus"
	"github.com/google/uuid"
)

// Entry is one persisted audit record.
type Entry struct {
	EntryID     string          `json:"entry_id"`
	InstanceURI string          `json:"instance_uri"`
	EventType   string          `json:"event_type"`
	EventData   json.RawMessage `json:"event_data"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Log persists audit entries to PostgreSQL and exposes paginated queries
// over them.
type Log struct {
	pg *db.PostgresDB
}

// New wraps pg with Audit Log operations.
func New(pg *db.PostgresDB) *Log {
	return &Log{pg: pg}
}

// CreateTables creates the audit_events table and its indexes if absent.
func (l *Log) CreateTables(ctx context.Context) error {
	const createTableSQL = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		entry_id VARCHAR(255) NOT NULL,
		instance_uri VARCHAR(512),
		event_type VARCHAR(100) NOT NULL,
		event_data JSONB NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE(entry_id)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_instance_uri ON audit_events(instance_uri);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_events_recorded_at ON audit_events(recorded_at);
	`
	if err := l.pg.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit: create tables: %w", err)
	}
	return nil
}

// Record appends event as an audit entry. Per spec.md §4.10, recording is
// append-only and never rejects a structurally valid event.
func (l *Log) Record(ctx context.Context, instanceURI string, event eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	entry := Entry{
		EntryID:     uuid.New().String(),
		InstanceURI: instanceURI,
		EventType:   fmt.Sprintf("%T", event),
		EventData:   data,
		RecordedAt:  time.Now().UTC(),
	}
	err = l.pg.Exec(ctx, `
		INSERT INTO audit_events (entry_id, instance_uri, event_type, event_data, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.EntryID, entry.InstanceURI, entry.EventType, []byte(entry.EventData), entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Subscriber returns an eventbus.Handler that records every event it's given
// against instanceOf, which extracts the owning instance URI from an event
// (events do not all carry the same field name for it).
func (l *Log) Subscriber(ctx context.Context, instanceOf func(eventbus.Event) string) eventbus.Handler {
	return func(e eventbus.Event) error {
		return l.Record(ctx, instanceOf(e), e)
	}
}

// ByInstance returns instanceURI's audit trail, newest first.
func (l *Log) ByInstance(ctx context.Context, instanceURI string, limit, offset int) ([]Entry, error) {
	rows, err := l.pg.Query(ctx, `
		SELECT entry_id, instance_uri, event_type, event_data, recorded_at
		FROM audit_events
		WHERE instance_uri = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, instanceURI, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: query by instance: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByType returns every audit entry of eventType, newest first.
func (l *Log) ByType(ctx context.Context, eventType string, limit, offset int) ([]Entry, error) {
	rows, err := l.pg.Query(ctx, `
		SELECT entry_id, instance_uri, event_type, event_data, recorded_at
		FROM audit_events
		WHERE event_type = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: query by type: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows rowScanner) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.InstanceURI, &e.EventType, &e.EventData, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
