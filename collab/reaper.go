package collab

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flashfusion/collab-relay/internal"
)

// Reaper periodically removes presence entries which have not been seen recently, tells the
// rest of the project and closes whatever connections the reaped user still had.
type Reaper struct {
	svc      *Service
	interval time.Duration
	timeout  time.Duration
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// newReaper makes a reaper which runs every interval. If interval is 0 it only runs when Reap
// is called, which is useful for testing.
func newReaper(svc *Service, interval, timeout time.Duration) *Reaper {
	r := &Reaper{
		svc:      svc,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	if interval > 0 {
		r.ticker = time.NewTicker(interval)
	}
	return r
}

// Stop ticking. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		if r.ticker != nil {
			r.ticker.Stop()
		}
		close(r.done)
	})
}

// Blocks, reaping on every tick until Stop() is called.
func (r *Reaper) Run() {
	if r.ticker == nil {
		return
	}
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.Reap()
		}
	}
}

// Reap sweeps the presence table once and returns what was removed.
func (r *Reaper) Reap() []PresenceKey {
	ctx, task := internal.StartTask(context.Background(), "Reap")
	defer task.End()
	removed := r.svc.Presence.Sweep(r.svc.now(), r.timeout)
	for _, key := range removed {
		internal.Logf(ctx, "reaper", "removing %s from %s", key.UserID, key.ProjectID)
		r.svc.announceDeparture(key.ProjectID, key.UserID, key.UserName, ReasonTimeout)
		for _, conn := range r.svc.Registry.UserConns(key.ProjectID, key.UserID) {
			conn.Close(websocket.CloseGoingAway, "inactive")
		}
	}
	if len(removed) > 0 {
		r.svc.metrics.reapedEntries(len(removed))
		logger.Info().Int("removed", len(removed)).Msg("reaped inactive collaborators")
	}
	return removed
}
