package protocol

import (
	"testing"
)

func TestMessage_RoundTripData(t *testing.T) {
	msg, err := NewMessage(TypeSessionStart, SessionStartData{
		AuthToken:      "tok",
		UserID:         "user-1",
		ConversationID: "conv-1",
	})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Type != TypeSessionStart {
		t.Fatalf("expected type %q, got %q", TypeSessionStart, parsed.Type)
	}
	var data SessionStartData
	if err := parsed.ParseData(&data); err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if data.UserID != "user-1" || data.ConversationID != "conv-1" {
		t.Fatalf("unexpected payload: %+v", data)
	}
	if parsed.Timestamp == 0 {
		t.Fatalf("expected timestamp set")
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	if _, err := ParseMessage([]byte("not-json")); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestParseData_NilDataIsNoop(t *testing.T) {
	m := &Message{Type: TypeSessionEnd}
	var data SessionEndData
	if err := m.ParseData(&data); err != nil {
		t.Fatalf("expected nil error for empty data, got %v", err)
	}
}

func TestErrorCode_Fatal(t *testing.T) {
	cases := []struct {
		code  ErrorCode
		fatal bool
	}{
		{CodeAuthRequired, true},
		{CodeAuthInvalid, true},
		{CodeRateLimitExceeded, true},
		{CodeCostLimitExceeded, true},
		{CodeDurationLimitExceeded, true},
		{CodeSTTError, false},
		{CodeLLMError, false},
		{CodeTTSError, false},
		{CodeProtocolError, false},
	}
	for _, tc := range cases {
		if got := tc.code.Fatal(); got != tc.fatal {
			t.Fatalf("%s: fatal=%v, want %v", tc.code, got, tc.fatal)
		}
	}
}
