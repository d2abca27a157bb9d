// Package history persists conversation turns and replays them as
// model context for later turns.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Turn is one committed exchange half. Role is "user" or "assistant".
// For interrupted assistant turns Text holds only what was spoken.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Interrupted    bool      `json:"interrupted"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type Store interface {
	Append(ctx context.Context, t Turn) error
	// Recent returns up to limit turns in chronological order.
	Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
}

// SupabaseStore keeps turns in a Postgres table behind the Supabase
// REST endpoint.
type SupabaseStore struct {
	BaseURL    string
	ServiceKey string
	Table      string
	Client     *http.Client
}

func NewSupabaseStore(baseURL, serviceKey string) *SupabaseStore {
	return &SupabaseStore{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		Table:      "conversation_turns",
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SupabaseStore) Append(ctx context.Context, t Turn) error {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return fmt.Errorf("history: missing Supabase configuration")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("history: marshal turn: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/rest/v1/"+s.Table, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("history: build insert: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Prefer", "return=minimal")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("history: insert status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (s *SupabaseStore) Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if s.BaseURL == "" || s.ServiceKey == "" {
		return nil, fmt.Errorf("history: missing Supabase configuration")
	}
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/rest/v1/"+s.Table+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("history: build select: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: select: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("history: select status %d: %s", resp.StatusCode, string(b))
	}

	var rows []Turn
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("history: decode turns: %w", err)
	}
	// newest-first from the API, callers want chronological
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *SupabaseStore) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	req.Header.Set("Content-Type", "application/json")
}

// MemoryStore keeps turns in process. Used when no database is
// configured.
type MemoryStore struct {
	mu    sync.Mutex
	turns map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn)}
}

func (m *MemoryStore) Append(_ context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.turns[t.ConversationID] = append(m.turns[t.ConversationID], t)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Turn(nil), all...), nil
}
