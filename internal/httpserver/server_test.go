package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Jasoncarelse27/atlas-sub000/internal/config"
	"github.com/Jasoncarelse27/atlas-sub000/internal/history"
	"github.com/Jasoncarelse27/atlas-sub000/internal/identity"
	"github.com/Jasoncarelse27/atlas-sub000/internal/llm"
)

type fakeChat struct {
	reply  string
	deltas []string
	err    error
	seen   []llm.Message
}

func (f *fakeChat) Generate(_ context.Context, messages []llm.Message) (string, error) {
	f.seen = messages
	return f.reply, f.err
}

func (f *fakeChat) GenerateStream(_ context.Context, messages []llm.Message) (<-chan string, <-chan error) {
	f.seen = messages
	out := make(chan string, len(f.deltas))
	errCh := make(chan error, 1)
	for _, d := range f.deltas {
		out <- d
	}
	close(out)
	errCh <- f.err
	close(errCh)
	return out, errCh
}

type fakeTTS struct {
	pcm [][]byte
	err error
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) StreamPCM48k(_ context.Context, _ string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, len(f.pcm))
	errCh := make(chan error, 1)
	for _, c := range f.pcm {
		out <- c
	}
	close(out)
	errCh <- f.err
	close(errCh)
	return out, errCh
}

func newTestServer(chat *fakeChat, synth *fakeTTS) (*Server, *history.MemoryStore) {
	store := history.NewMemoryStore()
	srv := New(Deps{
		Config:   config.Config{AssemblyAIKey: "a", CerebrasKey: "b", DeepgramKey: "c", SupabaseURL: "d"},
		Verifier: &identity.StaticVerifier{Tokens: map[string]string{"tok": "user-1"}},
		Chat:     chat,
		TTS:      synth,
		History:  store,
	})
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("expected ok body, got %q", w.Body.String())
	}
}

func TestServer_HealthReportsProviders(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected ok status, got %q", resp.Status)
	}
	for _, key := range []string{"stt", "llm", "tts", "auth"} {
		if !resp.Providers[key] {
			t.Fatalf("expected provider %s configured", key)
		}
	}
}

func TestServer_HealthDegradedWithoutKeys(t *testing.T) {
	srv := New(Deps{Config: config.Config{}, Verifier: &identity.StaticVerifier{}})
	w := doJSON(t, srv, http.MethodGet, "/health", "", "")
	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", resp.Status)
	}
}

func TestServer_ChatRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{reply: "hi"}, &fakeTTS{})

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", "", `{"message":"hello"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/v1/chat", "bad", `{"message":"hello"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", w.Code)
	}
}

func TestServer_ChatRepliesAndStoresHistory(t *testing.T) {
	chat := &fakeChat{reply: "Hi there."}
	srv, store := newTestServer(chat, &fakeTTS{})

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", "tok", `{"message":"hello","conversationId":"conv-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "Hi there." || resp.ConversationID != "conv-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(chat.seen) == 0 || chat.seen[len(chat.seen)-1].Content != "hello" {
		t.Fatalf("expected user message last, got %+v", chat.seen)
	}

	turns, err := store.Recent(context.Background(), "conv-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("expected stored user+assistant turns, got %+v", turns)
	}
}

func TestServer_ChatIncludesRecentHistory(t *testing.T) {
	chat := &fakeChat{reply: "again"}
	srv, store := newTestServer(chat, &fakeTTS{})
	_ = store.Append(context.Background(), history.Turn{ConversationID: "conv-1", Role: "user", Text: "first"})
	_ = store.Append(context.Background(), history.Turn{ConversationID: "conv-1", Role: "assistant", Text: "hello"})

	doJSON(t, srv, http.MethodPost, "/v1/chat", "tok", `{"message":"second","conversationId":"conv-1"}`)

	// system prompt + two history turns + new user message
	if len(chat.seen) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(chat.seen), chat.seen)
	}
	if chat.seen[1].Content != "first" || chat.seen[2].Content != "hello" {
		t.Fatalf("history not replayed in order: %+v", chat.seen)
	}
}

func TestServer_ChatRejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodPost, "/v1/chat", "tok", `{"message":"  "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_ChatGenerationFailure(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{err: errors.New("upstream")}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodPost, "/v1/chat", "tok", `{"message":"hello"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestServer_ChatStreamEvents(t *testing.T) {
	chat := &fakeChat{deltas: []string{"Hi ", "there."}}
	srv, _ := newTestServer(chat, &fakeTTS{})

	w := doJSON(t, srv, http.MethodGet, "/v1/chat/stream?message=hello&conversationId=conv-1", "tok", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"event: start", `"text":"Hi "`, `"text":"there."`, `"reply":"Hi there."`, "event: end"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream body missing %q:\n%s", want, body)
		}
	}
}

func TestServer_ChatStreamError(t *testing.T) {
	chat := &fakeChat{deltas: []string{"partial"}, err: errors.New("stalled after 10s")}
	srv, _ := newTestServer(chat, &fakeTTS{})

	w := doJSON(t, srv, http.MethodGet, "/v1/chat/stream?message=hello", "tok", "")
	body := w.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "event: end") {
		t.Fatalf("expected error and end events:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Fatalf("did not expect done event after failure:\n%s", body)
	}
}

func TestServer_SynthesizeStreamsPCM(t *testing.T) {
	synth := &fakeTTS{pcm: [][]byte{make([]byte, 960), make([]byte, 960)}}
	srv, _ := newTestServer(&fakeChat{}, synth)

	w := doJSON(t, srv, http.MethodPost, "/v1/tts", "tok", `{"text":"Hello."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "audio/L16") {
		t.Fatalf("expected audio/L16 content type, got %q", ct)
	}
	if w.Body.Len() != 1920 {
		t.Fatalf("expected 1920 bytes of audio, got %d", w.Body.Len())
	}
}

func TestServer_SynthesizeRejectsEmptyText(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodPost, "/v1/tts", "tok", `{"text":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(&fakeChat{}, &fakeTTS{})
	w := doJSON(t, srv, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
