package state

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
)

// CollabEvent is a durable collaboration event (an edit or a comment) as stored in the
// append-only history.
type CollabEvent struct {
	NID       int64           `db:"event_nid" json:"-"`
	ProjectID string          `db:"project_id" json:"project_id"`
	Seq       int64           `db:"seq" json:"seq"`
	UserID    string          `db:"user_id" json:"user_id"`
	Type      string          `db:"event_type" json:"type"`
	Payload   json.RawMessage `db:"payload" json:"data"`
	// unix millis of when the relay received the event
	Timestamp int64 `db:"created_ts" json:"ts"`
}

// EventsTable stores durable collaboration events. Rows are never updated or deleted.
type EventsTable struct {
	db *sqlx.DB
}

// NewEventsTable makes a new EventsTable
func NewEventsTable(db *sqlx.DB) *EventsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS flash_collab_event_nids_seq;
	CREATE TABLE IF NOT EXISTS flash_collab_events (
		event_nid BIGINT PRIMARY KEY NOT NULL DEFAULT nextval('flash_collab_event_nids_seq'),
		project_id TEXT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_ts BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS flash_collab_events_project_seq_idx ON flash_collab_events(project_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS flash_collab_events_project_seq_key ON flash_collab_events(project_id, seq) WHERE seq > 0;
	`)
	return &EventsTable{db}
}

// Insert an event, returning its NID.
func (t *EventsTable) Insert(ctx context.Context, txn *sqlx.Tx, ev *CollabEvent) (nid int64, err error) {
	err = txn.QueryRowxContext(ctx, `
		INSERT INTO flash_collab_events (project_id, seq, user_id, event_type, payload, created_ts)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING event_nid`,
		ev.ProjectID, ev.Seq, ev.UserID, ev.Type, string(ev.Payload), ev.Timestamp,
	).Scan(&nid)
	return
}

// SelectSince returns up to limit events in the project with seq > since, ordered by seq then
// NID.
func (t *EventsTable) SelectSince(ctx context.Context, projectID string, since int64, limit int) ([]CollabEvent, error) {
	var events []CollabEvent
	err := t.db.SelectContext(ctx, &events, `
		SELECT event_nid, project_id, seq, user_id, event_type, payload, created_ts FROM flash_collab_events
		WHERE project_id = $1 AND seq > $2 ORDER BY seq ASC, event_nid ASC LIMIT $3`,
		projectID, since, limit,
	)
	return events, err
}
