// Package auth verifies the bearer tokens presented by collaboration clients. Tokens are
// issued by the hosted identity provider; the relay only checks them.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrSubjectMismatch = errors.New("token subject does not match user_id")
	ErrUnavailable     = errors.New("identity provider unavailable")
	// returned when a client does not present a token at all
	ErrMissingParams   = errors.New("missing required parameters")
)

// Identity is the result of a successful token verification.
type Identity struct {
	UserID string
	// Display name, may be empty.
	Name  string
	Email string
	// When the token stops being valid. Zero if unknown.
	ExpiresAt time.Time
}

// Verifier checks a bearer token and returns who it belongs to. Implementations must honour
// ctx cancellation; an expired ctx is reported as an error.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// VerifyUser verifies the token and checks it was issued to userID.
func VerifyUser(ctx context.Context, v Verifier, token, userID string) (*Identity, error) {
	id, err := v.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if id.UserID != userID {
		return nil, ErrSubjectMismatch
	}
	return id, nil
}
