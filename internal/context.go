package internal

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "relay_data"
)

// logging metadata for a single websocket connection
type data struct {
	connID    string
	projectID string
	userID    string
	numRecv   atomic.Int64
	numSent   atomic.Int64
}

// prepare a connection context so it can contain relay info
func ConnContext(ctx context.Context, connID string) context.Context {
	d := &data{
		connID: connID,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the project and user ID to this connection context. Need to have called ConnContext first.
// Must be called before the connection starts its read/write loops.
func SetConnContextIdentity(ctx context.Context, projectID, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.projectID = projectID
	da.userID = userID
}

func IncConnContextRecv(ctx context.Context) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).numRecv.Add(1)
}

func IncConnContextSent(ctx context.Context) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).numSent.Add(1)
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.connID != "" {
		l = l.Str("c", da.connID)
	}
	if da.projectID != "" {
		l = l.Str("p", da.projectID)
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if n := da.numRecv.Load(); n > 0 {
		l = l.Int64("r", n)
	}
	if n := da.numSent.Load(); n > 0 {
		l = l.Int64("s", n)
	}
	return l
}
