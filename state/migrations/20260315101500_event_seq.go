package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"github.com/flashfusion/collab-relay/internal"
)

var logger = internal.NewLogger()

func init() {
	goose.AddMigrationContext(upEventSeq, downEventSeq)
}

// upEventSeq adds per-project sequence numbers to events. Projects whose events predate the
// seq column are numbered in insertion order; projects which already have numbered events are
// left alone.
func upEventSeq(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	ALTER TABLE IF EXISTS flash_collab_events ADD COLUMN IF NOT EXISTS seq BIGINT NOT NULL DEFAULT 0;
	CREATE INDEX IF NOT EXISTS flash_collab_events_project_seq_idx ON flash_collab_events(project_id, seq);
	CREATE TABLE IF NOT EXISTS flash_collab_sequences (
		project_id TEXT NOT NULL PRIMARY KEY,
		seq BIGINT NOT NULL
	);`)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
	UPDATE flash_collab_events e SET seq = numbered.rn
	FROM (
		SELECT event_nid, row_number() OVER (PARTITION BY project_id ORDER BY event_nid) AS rn
		FROM flash_collab_events
		WHERE project_id IN (
			SELECT project_id FROM flash_collab_events GROUP BY project_id HAVING MAX(seq) = 0
		)
	) numbered
	WHERE e.event_nid = numbered.event_nid`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logger.Info().Int64("rows", n).Msg("numbered legacy collaboration events")
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO flash_collab_sequences (project_id, seq)
	SELECT project_id, MAX(seq) FROM flash_collab_events GROUP BY project_id
	ON CONFLICT (project_id) DO UPDATE SET seq = GREATEST(flash_collab_sequences.seq, EXCLUDED.seq)`)
	return err
}

func downEventSeq(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	DROP TABLE IF EXISTS flash_collab_sequences;
	DROP INDEX IF EXISTS flash_collab_events_project_seq_idx;
	ALTER TABLE IF EXISTS flash_collab_events DROP COLUMN IF EXISTS seq;`)
	return err
}
