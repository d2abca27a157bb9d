// Package identity resolves a bearer token to the user who owns it.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken means the token was rejected by the auth backend.
var ErrInvalidToken = errors.New("identity: invalid token")

// Identity is the authenticated subject of a session.
type Identity struct {
	UserID string
	Email  string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// SupabaseVerifier checks tokens against the Supabase auth endpoint.
type SupabaseVerifier struct {
	BaseURL string
	AnonKey string
	Client  *http.Client
}

func NewSupabaseVerifier(baseURL, anonKey string) *SupabaseVerifier {
	return &SupabaseVerifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		AnonKey: anonKey,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v.BaseURL == "" {
		return Identity{}, fmt.Errorf("identity: missing Supabase configuration")
	}
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.AnonKey)

	resp, err := v.Client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: auth request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Identity{}, fmt.Errorf("identity: auth status %d: %s", resp.StatusCode, string(b))
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("identity: decode user: %w", err)
	}
	if user.ID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: user.ID, Email: user.Email}, nil
}

// StaticVerifier accepts a fixed token map. Used when no auth backend
// is configured, for local development.
type StaticVerifier struct {
	Tokens map[string]string // token -> user id
}

func (s *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if uid, ok := s.Tokens[token]; ok {
		return Identity{UserID: uid}, nil
	}
	return Identity{}, ErrInvalidToken
}
