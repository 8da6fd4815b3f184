package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/flashfusion/collab-relay/state"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	id     string
	userID string

	mu          sync.Mutex
	frames      [][]byte
	fail        bool
	closed      bool
	closeCode   int
	closeReason string
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ConnID() string { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return ErrConnClosed
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeConn) received() []gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]gjson.Result, len(c.frames))
	for i := range c.frames {
		result[i] = gjson.ParseBytes(c.frames[i])
	}
	return result
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// memStore is an in-memory event store which numbers events per project like state.Storage.
type memStore struct {
	mu      sync.Mutex
	events  []state.CollabEvent
	latest  map[string]int64
	failErr error
}

func newMemStore() *memStore {
	return &memStore{latest: make(map[string]int64)}
}

func (s *memStore) Append(ctx context.Context, ev *state.CollabEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.latest[ev.ProjectID]++
	ev.Seq = s.latest[ev.ProjectID]
	ev.NID = int64(len(s.events) + 1)
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) EventsSince(ctx context.Context, projectID string, since int64, limit int) ([]state.CollabEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = state.MaxEventsLimit
	}
	var result []state.CollabEvent
	for _, ev := range s.events {
		if ev.ProjectID == projectID && ev.Seq > since && len(result) < limit {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *memStore) stored() []state.CollabEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]state.CollabEvent(nil), s.events...)
}

// fakeClock is a settable clock shared by the service and its presence table.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, opts Options) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.PresenceTimeout == 0 {
		opts.PresenceTimeout = 5 * time.Minute
	}
	svc := NewService(opts)
	svc.now = clock.Now
	svc.Presence.now = clock.Now
	t.Cleanup(svc.Teardown)
	return svc, clock
}

func info(projectID, userID string) ConnInfo {
	return ConnInfo{
		ConnID:    fmt.Sprintf("%s-%s", projectID, userID),
		ProjectID: projectID,
		UserID:    userID,
		UserName:  userID + " name",
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
