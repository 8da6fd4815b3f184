package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/state"
)

// EventStore persists durable collaboration events. Append allocates the event's per-project
// seq and sets ev.Seq.
type EventStore interface {
	Append(ctx context.Context, ev *state.CollabEvent) error
}

// ConnInfo is the authenticated identity of a connection. It is the only source of the
// identity fields in outbound frames.
type ConnInfo struct {
	ConnID    string
	ProjectID string
	UserID    string
	UserName  string
}

// PersistError is returned by Route when a durable event was broadcast but could not be
// written to the event store. The broadcast frame carries no seq.
type PersistError struct {
	ProjectID string
	Type      MessageType
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist %s in project %s: %s", e.Type, e.ProjectID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Router handles inbound frames: it updates the sender's presence, persists durable events and
// broadcasts the stamped frame to the rest of the project.
type Router struct {
	presence *PresenceTable
	seq      *Sequencer
	store    EventStore
	fanout   *Fanout
	metrics  *Metrics
	now      func() time.Time
}

// Route processes one inbound frame from the connection described by from. A *DecodeError
// means the frame was dropped. A *PersistError means the frame was broadcast but not stored.
// Route never fails in a way which should close the connection.
func (r *Router) Route(ctx context.Context, from ConnInfo, raw []byte) error {
	internal.Assert("router called with an identified connection", from.ProjectID != "" && from.UserID != "")
	in, err := DecodeInbound(raw)
	if err != nil {
		r.metrics.dropped()
		return err
	}
	msgType := in.Type()
	ctx, span := internal.StartSpan(ctx, "Route")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(msgType)))
	r.metrics.message(msgType)

	update := in.Payload.presenceUpdate()
	update.UserName = from.UserName
	r.presence.Upsert(from.ProjectID, from.UserID, update)

	receivedAt := r.now()
	var seq int64
	var persistErr *PersistError
	switch {
	case !msgType.Durable():
	case r.store == nil:
		seq = r.seq.Next(from.ProjectID)
	default:
		ev := &state.CollabEvent{
			ProjectID: from.ProjectID,
			UserID:    from.UserID,
			Type:      string(msgType),
			Payload:   in.Data,
			Timestamp: receivedAt.UnixMilli(),
		}
		if err = r.store.Append(ctx, ev); err != nil {
			persistErr = &PersistError{
				ProjectID: from.ProjectID,
				Type:      msgType,
				Err:       err,
			}
			r.metrics.persistFailed()
			internal.DecorateLogger(ctx, logger.Error()).Err(err).Str("type", string(msgType)).
				Msg("failed to persist event, broadcasting anyway")
			hub := internal.GetSentryHubFromContextOrDefault(ctx)
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("project_id", from.ProjectID)
				scope.SetTag("type", string(msgType))
				hub.CaptureException(persistErr)
			})
		} else {
			seq = ev.Seq
		}
	}

	frame, err := in.stamp(from, receivedAt, seq)
	if err != nil {
		r.metrics.dropped()
		return &DecodeError{fmt.Sprintf("cannot stamp frame: %s", err)}
	}

	r.fanout.Broadcast(from.ProjectID, frame, from.UserID)
	internal.IncConnContextRecv(ctx)
	if persistErr != nil {
		return persistErr
	}
	return nil
}

// IsDropped returns true if err means the frame was discarded without being broadcast.
func IsDropped(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
