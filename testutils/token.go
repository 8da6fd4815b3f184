package testutils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintToken signs an HS256 access token for userID, valid for ttl (negative ttl makes an
// already-expired token). name is put into user_metadata.full_name when non-empty.
func MintToken(t *testing.T, secret, userID, name string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": "authenticated",
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	}
	if name != "" {
		claims["user_metadata"] = map[string]any{"full_name": name}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("MintToken: %s", err)
	}
	return token
}
