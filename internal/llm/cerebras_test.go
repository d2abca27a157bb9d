package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Generate(ctx, WithHistory(nil, "hi")); err == nil {
		t.Fatalf("expected error with missing key")
	}
	_, errCh := c.GenerateStream(ctx, WithHistory(nil, "hi"))
	if err := <-errCh; err == nil {
		t.Fatalf("expected stream error with missing key")
	}
}

func redirectClient(srv *httptest.Server) *http.Client {
	return &http.Client{Timeout: 2 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.HTTPClient = redirectClient(srv)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Generate(ctx, WithHistory(nil, "hi")); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestCerebras_GenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, piece := range []string{"Hello ", "world", "."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", piece)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.HTTPClient = redirectClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	deltas, errCh := c.GenerateStream(ctx, WithHistory(nil, "hi"))
	var b strings.Builder
	for d := range deltas {
		b.WriteString(d)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if got := b.String(); got != "Hello world." {
		t.Fatalf("unexpected assembled text %q", got)
	}
}

func TestCerebras_GenerateStream_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewCerebrasClient("key", "model")
	c.HTTPClient = redirectClient(srv)
	deltas, errCh := c.GenerateStream(context.Background(), WithHistory(nil, "hi"))
	for range deltas {
	}
	if err := <-errCh; err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestCerebras_GenerateStream_StallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		fl.Flush()
		<-release // never send another delta
	}))
	defer srv.Close()
	defer close(release)

	c := NewCerebrasClient("key", "model")
	c.HTTPClient = redirectClient(srv)
	c.StallTimeout = 50 * time.Millisecond

	deltas, errCh := c.GenerateStream(context.Background(), WithHistory(nil, "hi"))
	var got []string
	for d := range deltas {
		got = append(got, d)
	}
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("expected the single delivered delta, got %v", got)
	}
	if err := <-errCh; err == nil || !strings.Contains(err.Error(), "stalled") {
		t.Fatalf("expected stall error, got %v", err)
	}
}

func TestWithHistory_OrdersMessages(t *testing.T) {
	history := []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	msgs := WithHistory(history, "how are you?")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("expected system prompt first")
	}
	if msgs[3].Role != "user" || msgs[3].Content != "how are you?" {
		t.Fatalf("expected latest user message last, got %+v", msgs[3])
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
