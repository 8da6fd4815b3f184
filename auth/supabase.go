package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SupabaseVerifier asks the hosted auth service who a token belongs to. It is used when the
// relay does not hold the JWT secret.
type SupabaseVerifier struct {
	Client  *http.Client
	BaseURL string
	AnonKey string
}

func NewSupabaseVerifier(baseURL, anonKey string) *SupabaseVerifier {
	return &SupabaseVerifier{
		Client:  &http.Client{},
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		AnonKey: anonKey,
	}
}

type supabaseUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("SupabaseVerifier: NewRequest failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.AnonKey)
	res, err := v.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: auth service returned %s", ErrUnavailable, res.Status)
	}
	var u supabaseUser
	if err := json.NewDecoder(res.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("%w: response body decode JSON failed: %s", ErrUnavailable, err)
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		UserID: u.ID,
		Email:  u.Email,
		Name:   displayName(u.UserMetadata, u.Email),
	}, nil
}
