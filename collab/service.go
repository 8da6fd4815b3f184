// Package collab is the realtime core of the relay: the connection registry, the presence table,
// the message router, the connection lifecycle and the inactivity reaper.
package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/pubsub"
)

var logger = internal.NewLogger()

// Fanout broadcasts to the local registry and, when clustered, publishes the same frame for
// the other nodes to deliver to their own connections.
type Fanout struct {
	registry *Registry
	notifier pubsub.Notifier
	origin   string
	metrics  *Metrics
}

func (f *Fanout) Broadcast(projectID string, frame []byte, excludeUserID string) {
	delivered, failed := f.registry.Broadcast(projectID, frame, excludeUserID)
	f.metrics.delivered(delivered, failed)
	if f.notifier == nil {
		return
	}
	err := f.notifier.Notify(pubsub.ChanRelay, &pubsub.RelayBroadcast{
		Origin:        f.origin,
		ProjectID:     projectID,
		ExcludeUserID: excludeUserID,
		Frame:         frame,
	})
	if err != nil {
		logger.Err(err).Str("project", projectID).Msg("failed to publish broadcast to cluster")
	}
}

type Options struct {
	// Entries not seen for longer than this are reaped.
	PresenceTimeout time.Duration
	// How often the reaper runs. 0 disables the background reaper.
	ReaperInterval time.Duration
	// Durable event store, which also numbers durable events. nil disables persistence of
	// edits and comments and numbers them in memory.
	Store EventStore
	// Cluster bus. Both nil runs a single node. Usually the same object, but the notifier may
	// be wrapped e.g by a PromNotifier.
	Notifier pubsub.Notifier
	Listener pubsub.Listener
	NodeID   string
	// Registers Prometheus collectors if set.
	MetricsRegisterer prometheus.Registerer
}

// Service owns all shared relay state. Handlers get it injected rather than reaching for
// globals.
type Service struct {
	Registry *Registry
	Presence *PresenceTable
	Router   *Router
	Reaper   *Reaper

	// held while a join or leave updates the registry and presence together, so a tab closing
	// and another opening for the same user cannot interleave
	membership sync.Mutex

	fanout   *Fanout
	metrics  *Metrics
	relay    *pubsub.RelaySub
	notifier pubsub.Notifier
	nodeID   string
	now      func() time.Time
}

func NewService(opts Options) *Service {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	s := &Service{
		Registry: NewRegistry(),
		Presence: NewPresenceTable(),
		notifier: opts.Notifier,
		nodeID:   opts.NodeID,
		now:      time.Now,
	}
	if opts.MetricsRegisterer != nil {
		s.metrics = newMetrics(opts.MetricsRegisterer, s.Registry, s.Presence)
	}
	s.fanout = &Fanout{
		registry: s.Registry,
		origin:   s.nodeID,
		metrics:  s.metrics,
	}
	if opts.Notifier != nil {
		s.fanout.notifier = opts.Notifier
	}
	if opts.Listener != nil {
		s.relay = pubsub.NewRelaySub(opts.Listener, s, s.nodeID)
	}
	s.Registry.onPrune = func(projectID string, conn Sender, err error) {
		logger.Warn().Err(err).Str("project", projectID).Str("user", conn.UserID()).Str("c", conn.ConnID()).
			Msg("pruning connection after failed send")
		// slow or dead consumer: make it reconnect and resync
		go conn.Close(websocket.CloseTryAgainLater, "send buffer full")
	}
	s.Router = &Router{
		presence: s.Presence,
		seq:      NewSequencer(),
		store:    opts.Store,
		fanout:   s.fanout,
		metrics:  s.metrics,
		now:      func() time.Time { return s.now() },
	}
	s.Reaper = newReaper(s, opts.ReaperInterval, opts.PresenceTimeout)
	return s
}

// Start runs the background reaper and, when clustered, the bus subscription.
func (s *Service) Start() {
	go s.Reaper.Run()
	if s.relay != nil {
		go func() {
			if err := s.relay.Listen(); err != nil {
				logger.Err(err).Msg("cluster bus listener stopped")
			}
		}()
	}
}

// OnRemoteBroadcast delivers a frame broadcast on another node to local connections.
func (s *Service) OnRemoteBroadcast(p *pubsub.RelayBroadcast) {
	delivered, failed := s.Registry.Broadcast(p.ProjectID, p.Frame, p.ExcludeUserID)
	s.metrics.delivered(delivered, failed)
}

// Join admits an authenticated connection: it is registered, the user is marked present and
// finally the connection gets the current collaborators. The rest of the project is told about
// the user only when they were not already present, e.g. from another tab.
func (s *Service) Join(ctx context.Context, info ConnInfo, conn Sender) {
	internal.Assert("connection identity matches", conn.UserID() == info.UserID)
	s.membership.Lock()
	s.Registry.Register(info.ProjectID, conn)
	_, present := s.Presence.Get(info.ProjectID, info.UserID)
	entry := s.Presence.Upsert(info.ProjectID, info.UserID, PresenceUpdate{
		UserName: info.UserName,
		Status:   StatusActive,
	})
	s.membership.Unlock()

	if !present {
		s.fanout.Broadcast(info.ProjectID, presenceEvent(info.ProjectID, info.UserID, entry.UserName, PresenceData{
			Status: StatusActive,
			Action: ActionJoin,
		}, s.now()), info.UserID)
	}

	snapshot := s.Presence.Snapshot(info.ProjectID)
	collaborators := make([]PresenceEntry, 0, len(snapshot))
	for _, e := range snapshot {
		if e.UserID != info.UserID {
			collaborators = append(collaborators, e)
		}
	}
	if err := conn.Send(presenceSyncFrame(collaborators)); err != nil {
		internal.DecorateLogger(ctx, logger.Warn()).Err(err).Msg("failed to queue presence_sync")
	}
	internal.DecorateLogger(ctx, logger.Info()).Int("collaborators", len(collaborators)).Bool("other_tab", present).
		Msg("joined project")
}

// Leave is called once a connection has closed. The user is only marked as gone when this was
// their last connection in the project.
func (s *Service) Leave(ctx context.Context, info ConnInfo, conn Sender) {
	s.membership.Lock()
	s.Registry.Unregister(info.ProjectID, conn)
	if s.Registry.HasUser(info.ProjectID, info.UserID) {
		s.membership.Unlock()
		internal.DecorateLogger(ctx, logger.Debug()).Msg("left project, user still has other connections")
		return
	}
	entry, existed := s.Presence.Remove(info.ProjectID, info.UserID)
	s.membership.Unlock()
	if !existed {
		// already reaped and announced
		return
	}
	s.announceDeparture(info.ProjectID, info.UserID, entry.UserName, ReasonDisconnect)
	internal.DecorateLogger(ctx, logger.Info()).Msg("left project")
}

func (s *Service) announceDeparture(projectID, userID, userName, reason string) {
	s.fanout.Broadcast(projectID, presenceEvent(projectID, userID, userName, PresenceData{
		Status: StatusAway,
		Action: ActionLeave,
		Reason: reason,
	}, s.now()), userID)
}

func (s *Service) rejected(reason string) {
	s.metrics.rejected(reason)
}

// Teardown stops the reaper, closes every connection and detaches from the cluster bus.
func (s *Service) Teardown() {
	s.Reaper.Stop()
	s.Registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	if s.relay != nil {
		s.relay.Teardown()
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close cluster bus")
		}
	}
	s.metrics.unregister()
}
