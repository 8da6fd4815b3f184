package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// Connection contexts derive from the HTTP request context, which has no hub attached
// unless the sentry HTTP integration is in use, so this is the usual way to get a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ConfigureSentry initialises the global sentry client. An empty DSN is a no-op.
func ConfigureSentry(dsn, version string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: version,
	})
}

// FlushSentry waits for buffered events to be sent, up to the timeout.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}
