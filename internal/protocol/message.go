// Package protocol defines the WebSocket message types exchanged between the
// voice client and the session server. Control traffic is JSON; microphone
// audio arrives as raw binary frames on the same connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of WebSocket control message.
type MessageType string

const (
	// Client → Server messages
	TypeSessionStart MessageType = "session_start"
	TypeSessionEnd   MessageType = "session_end"

	// Server → Client messages
	TypeSessionStarted    MessageType = "session_started"
	TypeSessionEnded      MessageType = "session_ended"
	TypePartialTranscript MessageType = "partial_transcript"
	TypeFinalTranscript   MessageType = "final_transcript"
	TypeAudioChunk        MessageType = "audio_chunk"
	TypeTurnComplete      MessageType = "turn_complete"
	TypeError             MessageType = "error"
)

// Message is the base wrapper for all WebSocket control messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Client → Server payloads
// =============================================================================

// SessionStartData authenticates and binds the connection to a conversation.
type SessionStartData struct {
	AuthToken      string `json:"authToken"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	// Codec selects the binary frame encoding: "pcm" (default) or "opus".
	Codec string `json:"codec,omitempty"`
}

// SessionEndData requests explicit session teardown.
type SessionEndData struct {
	SessionID string `json:"sessionId"`
}

// =============================================================================
// Server → Client payloads
// =============================================================================

// SessionStartedData confirms authentication.
type SessionStartedData struct {
	SessionID string `json:"sessionId"`
}

// SessionEndedData is the final status event before connection teardown.
type SessionEndedData struct {
	SessionID       string  `json:"sessionId"`
	Reason          string  `json:"reason"`
	DurationSeconds float64 `json:"durationSeconds"`
	CostUSD         float64 `json:"costUsd"`
}

// TranscriptData carries an interim or finalized transcript.
type TranscriptData struct {
	UtteranceID string  `json:"utteranceId"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
}

// AudioChunkData carries one synthesized audio unit. Payload is base64-encoded
// PCM16LE mono at 48 kHz.
type AudioChunkData struct {
	TurnID    string `json:"turnId"`
	UnitIndex int    `json:"unitIndex"`
	Payload   string `json:"payload"`
}

// TurnCompleteData marks the end of one assistant reply.
type TurnCompleteData struct {
	TurnID      string `json:"turnId"`
	Text        string `json:"text"`
	Interrupted bool   `json:"interrupted"`
}

// ErrorData carries a stable error code plus a human-readable message.
type ErrorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}
