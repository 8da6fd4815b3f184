package state

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfusion/collab-relay/testutils"
)

func openPostgres(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	dsn := testutils.PostgresConnectionString(t, "collab_relay_test")
	db, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	// a shared CI database may hold state from an earlier run
	require.NoError(t, Migrate(db, "reset"))
	return db, dsn
}

// Events written before seq existed are numbered per project in insertion order.
func TestMigrateNumbersLegacyEvents(t *testing.T) {
	db, _ := openPostgres(t)
	require.NoError(t, Migrate(db, "up-to", "20260301090000"))
	for _, row := range []struct{ project, user string }{
		{"p1", "alice"}, {"p2", "bob"}, {"p1", "bob"}, {"p1", "alice"},
	} {
		db.MustExec(`INSERT INTO flash_collab_events (project_id, user_id, event_type, payload, created_ts)
			VALUES ($1, $2, 'edit', '{}', 1)`, row.project, row.user)
	}
	require.NoError(t, Migrate(db, "up"))

	var seqs []int64
	require.NoError(t, db.Select(&seqs, `SELECT seq FROM flash_collab_events WHERE project_id='p1' ORDER BY event_nid`))
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	var latest int64
	require.NoError(t, db.Get(&latest, `SELECT seq FROM flash_collab_sequences WHERE project_id='p1'`))
	assert.Equal(t, int64(3), latest)
	require.NoError(t, db.Get(&latest, `SELECT seq FROM flash_collab_sequences WHERE project_id='p2'`))
	assert.Equal(t, int64(1), latest)

	// numbering carries on from the legacy events
	ev := &CollabEvent{ProjectID: "p1", UserID: "bob", Type: "edit", Payload: json.RawMessage(`{}`), Timestamp: 2}
	require.NoError(t, NewStorageWithDB(db).Append(context.Background(), ev))
	assert.Equal(t, int64(4), ev.Seq)
}

func TestStoragePostgresRoundTrip(t *testing.T) {
	db, _ := openPostgres(t)
	require.NoError(t, Migrate(db, "up"))
	store := NewStorageWithDB(db)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		ev := &CollabEvent{
			ProjectID: "p1",
			UserID:    "alice",
			Type:      "comment",
			Payload:   json.RawMessage(`{"content":"hi"}`),
			Timestamp: 1700000000000 + i,
		}
		require.NoError(t, store.Append(ctx, ev))
		assert.Equal(t, i, ev.Seq)
	}

	events, err := store.EventsSince(ctx, "p1", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
	assert.JSONEq(t, `{"content":"hi"}`, string(events[0].Payload))

	events, err = store.EventsSince(ctx, "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// Two relay nodes writing to the same project through separate pools never share a seq, and
// paging through history one event at a time sees every event.
func TestStoragePostgresNodesShareNumbering(t *testing.T) {
	db, dsn := openPostgres(t)
	require.NoError(t, Migrate(db, "up"))
	db2, err := sqlx.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })
	nodes := []*Storage{NewStorageWithDB(db), NewStorageWithDB(db2)}
	ctx := context.Background()

	const perNode = 20
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node *Storage) {
			defer wg.Done()
			for i := 0; i < perNode; i++ {
				err := node.Append(ctx, &CollabEvent{
					ProjectID: "p1", UserID: "alice", Type: "edit", Payload: json.RawMessage(`{}`), Timestamp: 1,
				})
				assert.NoError(t, err)
			}
		}(node)
	}
	wg.Wait()

	var since int64
	seen := 0
	for {
		events, err := nodes[0].EventsSince(ctx, "p1", since, 1)
		require.NoError(t, err)
		if len(events) == 0 {
			break
		}
		seen++
		assert.Equal(t, since+1, events[0].Seq)
		since = events[0].Seq
	}
	assert.Equal(t, 2*perNode, seen)
}
