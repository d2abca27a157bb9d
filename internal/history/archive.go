package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SessionRecord is the archived form of one finished session.
type SessionRecord struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	EndReason      string    `json:"end_reason"`
	CostUSD        float64   `json:"cost_usd"`
	Turns          []Turn    `json:"turns"`
}

// Archiver uploads finished session transcripts to Supabase storage,
// one JSON object per session.
type Archiver struct {
	client *supabase.Client
	bucket string
}

func NewArchiver(baseURL, serviceKey, bucket string) (*Archiver, error) {
	if bucket == "" {
		bucket = "transcripts"
	}
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("history: create supabase client: %w", err)
	}
	return &Archiver{client: client, bucket: bucket}, nil
}

func (a *Archiver) Archive(rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal session record: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", rec.StartedAt.UTC().Format("2006-01-02"), rec.SessionID)
	if _, err := a.client.Storage.UploadFile(a.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("history: upload session record: %w", err)
	}
	return nil
}
