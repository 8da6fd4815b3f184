package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupabaseVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" || r.Header.Get("apikey") != "anon" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"id":"alice","email":"alice@example.com","user_metadata":{"full_name":"Alice"}}`))
		case "Bearer slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"id":"alice"}`))
		case "Bearer broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	v := NewSupabaseVerifier(srv.URL+"/", "anon")
	ctx := context.Background()

	id, err := v.Verify(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, &Identity{UserID: "alice", Email: "alice@example.com", Name: "Alice"}, id)

	_, err = v.Verify(ctx, "bad")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(ctx, "broken")
	assert.ErrorIs(t, err, ErrUnavailable)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = v.Verify(timeoutCtx, "slow")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}
