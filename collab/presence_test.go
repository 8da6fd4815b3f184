package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence() (*PresenceTable, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pt := NewPresenceTable()
	pt.now = clock.Now
	return pt, clock
}

func strPtr(s string) *string { return &s }

func TestPresenceOneEntryPerUser(t *testing.T) {
	pt, _ := newTestPresence()
	pt.Upsert("p1", "alice", PresenceUpdate{UserName: "Alice"})
	pt.Upsert("p1", "alice", PresenceUpdate{Cursor: &Point{X: 1, Y: 2}})
	pt.Upsert("p1", "alice", PresenceUpdate{Status: StatusIdle})
	pt.Upsert("p2", "alice", PresenceUpdate{})

	snapshot := pt.Snapshot("p1")
	require.Len(t, snapshot, 1)
	assert.Equal(t, "Alice", snapshot[0].UserName)
	assert.Equal(t, StatusIdle, snapshot[0].Status)
	assert.Equal(t, &Point{X: 1, Y: 2}, snapshot[0].CursorPosition)
	assert.Equal(t, 2, pt.Len())
}

func TestPresenceDefaults(t *testing.T) {
	pt, clock := newTestPresence()
	e := pt.Upsert("p1", "bob", PresenceUpdate{})
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, "bob", e.UserName, "name falls back to the user id")
	assert.Nil(t, e.CursorPosition)
	assert.Nil(t, e.SelectedElement)
	assert.Equal(t, clock.Now(), e.LastSeen)
}

func TestPresenceSelection(t *testing.T) {
	pt, _ := newTestPresence()
	pt.Upsert("p1", "alice", PresenceUpdate{Selection: &Selection{ElementID: strPtr("rect-1")}})
	e, ok := pt.Get("p1", "alice")
	require.True(t, ok)
	assert.Equal(t, "rect-1", *e.SelectedElement)

	// other updates leave the selection alone
	pt.Upsert("p1", "alice", PresenceUpdate{Cursor: &Point{}})
	e, _ = pt.Get("p1", "alice")
	require.NotNil(t, e.SelectedElement)

	pt.Upsert("p1", "alice", PresenceUpdate{Selection: &Selection{}})
	e, _ = pt.Get("p1", "alice")
	assert.Nil(t, e.SelectedElement)
}

func TestPresenceSnapshotIsACopy(t *testing.T) {
	pt, _ := newTestPresence()
	pt.Upsert("p1", "alice", PresenceUpdate{Cursor: &Point{X: 1, Y: 1}})
	snapshot := pt.Snapshot("p1")
	snapshot[0].CursorPosition.X = 99
	snapshot[0].Status = StatusAway
	e, _ := pt.Get("p1", "alice")
	assert.Equal(t, 1.0, e.CursorPosition.X)
	assert.Equal(t, StatusActive, e.Status)
}

func TestPresenceSnapshotSorted(t *testing.T) {
	pt, _ := newTestPresence()
	for _, u := range []string{"carol", "alice", "bob"} {
		pt.Upsert("p1", u, PresenceUpdate{})
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, pt.Users("p1"))
	assert.Empty(t, pt.Snapshot("nope"))
}

func TestPresenceRemove(t *testing.T) {
	pt, _ := newTestPresence()
	pt.Upsert("p1", "alice", PresenceUpdate{UserName: "Alice"})
	e, ok := pt.Remove("p1", "alice")
	assert.True(t, ok)
	assert.Equal(t, "Alice", e.UserName)
	_, ok = pt.Remove("p1", "alice")
	assert.False(t, ok)
	assert.Equal(t, 0, pt.Len())
}

func TestPresenceTouch(t *testing.T) {
	pt, clock := newTestPresence()
	assert.False(t, pt.Touch("p1", "alice"))
	pt.Upsert("p1", "alice", PresenceUpdate{Status: StatusIdle})
	clock.Advance(time.Minute)
	assert.True(t, pt.Touch("p1", "alice"))
	e, _ := pt.Get("p1", "alice")
	assert.Equal(t, clock.Now(), e.LastSeen)
	assert.Equal(t, StatusIdle, e.Status)
}

func TestPresenceSweepBoundary(t *testing.T) {
	timeout := 5 * time.Minute
	pt, clock := newTestPresence()
	start := clock.Now()

	// last_seen = now - timeout - 1ms: removed
	pt.Upsert("p1", "stale", PresenceUpdate{UserName: "Stale"})
	clock.Advance(2 * time.Millisecond)
	// last_seen = now - timeout + 1ms: kept
	pt.Upsert("p1", "fresh", PresenceUpdate{})
	pt.Upsert("p2", "other", PresenceUpdate{})

	now := start.Add(timeout + time.Millisecond)
	removed := pt.Sweep(now, timeout)
	assert.ElementsMatch(t, []PresenceKey{
		{ProjectID: "p1", UserID: "stale", UserName: "Stale"},
	}, removed)
	assert.Equal(t, []string{"fresh"}, pt.Users("p1"))
	assert.Equal(t, []string{"other"}, pt.Users("p2"))

	// exactly timeout old is kept
	removed = pt.Sweep(start.Add(2*time.Millisecond+timeout), timeout)
	assert.Empty(t, removed)
	assert.Equal(t, 2, pt.Len())
}
