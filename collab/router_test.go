package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinFake(t *testing.T, svc *Service, projectID, userID string) *fakeConn {
	t.Helper()
	ci := info(projectID, userID)
	c := newFakeConn(ci.ConnID, userID)
	svc.Join(context.Background(), ci, c)
	c.reset()
	return c
}

func TestRouteCursorUpdatesPresenceAndBroadcasts(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	alice := joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")
	alice.reset()

	err := svc.Router.Route(context.Background(), info("p1", "alice"), []byte(`{"type":"cursor","data":{"x":3,"y":4}}`))
	require.NoError(t, err)

	e, ok := svc.Presence.Get("p1", "alice")
	require.True(t, ok)
	assert.Equal(t, &Point{X: 3, Y: 4}, e.CursorPosition)

	assert.Empty(t, alice.received(), "sender does not get its own message")
	frames := bob.received()
	require.Len(t, frames, 1)
	assert.Equal(t, "cursor", frames[0].Get("type").Str)
	assert.Equal(t, "alice", frames[0].Get("user_id").Str)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", frames[0].Get("timestamp").Str)
	assert.False(t, frames[0].Get("seq").Exists())
}

func TestRouteIgnoresClaimedIdentity(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")
	other := joinFake(t, svc, "p2", "carol")

	err := svc.Router.Route(context.Background(), info("p1", "alice"),
		[]byte(`{"type":"presence","user_id":"carol","project_id":"p2","data":{"status":"away"}}`))
	require.NoError(t, err)

	assert.Empty(t, other.received())
	require.Len(t, bob.received(), 1)
	assert.Equal(t, "alice", bob.received()[0].Get("user_id").Str)
	assert.Equal(t, "p1", bob.received()[0].Get("project_id").Str)
	e, _ := svc.Presence.Get("p1", "alice")
	assert.Equal(t, StatusAway, e.Status)
	carol, ok := svc.Presence.Get("p2", "carol")
	require.True(t, ok)
	assert.Equal(t, StatusActive, carol.Status)
}

// Repeated keys must not let a sender smuggle a second identity, type or data past validation.
// Recipients decode with last-key-wins parsers, so decode the broadcast the same way.
func TestRouteRepeatedKeysCannotSpoof(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")

	raw := `{"type":"cursor","user_id":"x","data":{"x":1,"y":2},` +
		`"user_id":"carol","user_name":"Carol","type":"edit","data":{"anything":"unvalidated"},"seq":99}`
	require.NoError(t, svc.Router.Route(context.Background(), info("p1", "alice"), []byte(raw)))

	frames := bob.received()
	require.Len(t, frames, 1)
	var got Message
	require.NoError(t, json.Unmarshal([]byte(frames[0].Raw), &got))
	assert.Equal(t, TypeCursor, got.Type)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "alice name", got.UserName)
	assert.Equal(t, "p1", got.ProjectID)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(got.Data))
	assert.Equal(t, int64(0), got.Seq)
}

func TestRouteDropsMalformed(t *testing.T) {
	svc, clock := newTestService(t, Options{})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")
	before, _ := svc.Presence.Get("p1", "alice")
	clock.Advance(time.Second)

	for _, raw := range []string{`nope`, `{"type":"cursor","data":{"x":1}}`, `{"type":"dance","data":{}}`} {
		err := svc.Router.Route(context.Background(), info("p1", "alice"), []byte(raw))
		require.Error(t, err)
		assert.True(t, IsDropped(err), raw)
	}
	assert.Empty(t, bob.received())
	after, _ := svc.Presence.Get("p1", "alice")
	assert.Equal(t, before, after, "dropped frames do not touch presence")
}

func TestRouteEditIsPersistedWithSeq(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, Options{Store: store})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")

	ctx := context.Background()
	require.NoError(t, svc.Router.Route(ctx, info("p1", "alice"), []byte(`{"type":"edit","data":{"element_id":"e1","changes":{"w":1}}}`)))
	require.NoError(t, svc.Router.Route(ctx, info("p1", "bob"), []byte(`{"type":"comment","data":{"content":"hi"}}`)))
	require.NoError(t, svc.Router.Route(ctx, info("p1", "alice"), []byte(`{"type":"cursor","data":{"x":1,"y":1}}`)))

	events := store.stored()
	require.Len(t, events, 2, "only edits and comments are durable")
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, "edit", events[0].Type)
	assert.Equal(t, "alice", events[0].UserID)
	assert.JSONEq(t, `{"element_id":"e1","changes":{"w":1}}`, string(events[0].Payload))
	assert.Equal(t, int64(2), events[1].Seq)
	assert.Equal(t, "bob", events[1].UserID)

	frames := bob.received()
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1), frames[0].Get("seq").Int())
}

func TestRoutePersistFailureStillBroadcasts(t *testing.T) {
	store := newMemStore()
	store.failErr = errors.New("connection refused")
	svc, _ := newTestService(t, Options{Store: store})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")

	err := svc.Router.Route(context.Background(), info("p1", "alice"), []byte(`{"type":"comment","data":{"content":"hello"}}`))
	var pe *PersistError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, TypeComment, pe.Type)
	assert.ErrorIs(t, err, store.failErr)
	assert.False(t, IsDropped(err))

	require.Len(t, bob.received(), 1)
	assert.Equal(t, "hello", bob.received()[0].Get("data.content").Str)
	assert.False(t, bob.received()[0].Get("seq").Exists(), "unstored events have no history position")
}

func TestRoutePreservesPerSenderOrder(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	joinFake(t, svc, "p1", "alice")
	bob := joinFake(t, svc, "p1", "bob")
	for i := 0; i < 20; i++ {
		raw := mustJSON(t, map[string]interface{}{
			"type": "cursor",
			"data": map[string]int{"x": i, "y": i},
		})
		require.NoError(t, svc.Router.Route(context.Background(), info("p1", "alice"), raw))
	}
	frames := bob.received()
	require.Len(t, frames, 20)
	for i, f := range frames {
		assert.Equal(t, int64(i), f.Get("data.x").Int())
	}
}
