package state

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SequencesTable holds the last seq handed out for each project. Every relay node shares it, so
// numbering is unique per project across the cluster and survives restarts.
type SequencesTable struct {
	db *sqlx.DB
}

func NewSequencesTable(db *sqlx.DB) *SequencesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS flash_collab_sequences (
		project_id TEXT NOT NULL PRIMARY KEY,
		seq BIGINT NOT NULL
	);
	`)
	return &SequencesTable{db}
}

// Next allocates the project's next seq. The row stays locked until txn ends, so concurrent
// appends to one project commit in seq order.
func (t *SequencesTable) Next(ctx context.Context, txn *sqlx.Tx, projectID string) (seq int64, err error) {
	err = txn.QueryRowxContext(ctx, `
		INSERT INTO flash_collab_sequences (project_id, seq) VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET seq = flash_collab_sequences.seq + 1
		RETURNING seq`,
		projectID,
	).Scan(&seq)
	return
}
