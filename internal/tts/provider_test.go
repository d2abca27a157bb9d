package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSynth struct {
	name     string
	calls    atomic.Int32
	failTimes int32
	pcm      []byte
	hang     bool
}

func (f *fakeSynth) Name() string { return f.name }

func (f *fakeSynth) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4)
	errCh := make(chan error, 1)
	n := f.calls.Add(1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if f.hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}
		if n <= f.failTimes {
			errCh <- fmt.Errorf("%s: synthetic failure %d", f.name, n)
			return
		}
		pcmCh <- f.pcm
	}()
	return pcmCh, errCh
}

func newTestEngine(t *testing.T, providers ...Synthesizer) *Engine {
	t.Helper()
	e, err := NewEngine(time.Second, providers...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.backoff = time.Millisecond
	return e
}

func TestEngine_FirstProviderWins(t *testing.T) {
	a := &fakeSynth{name: "a", pcm: []byte{1, 2}}
	b := &fakeSynth{name: "b", pcm: []byte{3, 4}}
	e := newTestEngine(t, a, b)
	pcm, err := e.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 2 || pcm[0] != 1 {
		t.Fatalf("unexpected pcm %v", pcm)
	}
	if b.calls.Load() != 0 {
		t.Fatalf("fallback should not have been tried")
	}
}

func TestEngine_RetrySameProviderOnce(t *testing.T) {
	a := &fakeSynth{name: "a", failTimes: 1, pcm: []byte{9}}
	e := newTestEngine(t, a)
	pcm, err := e.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("expected retry, calls=%d", a.calls.Load())
	}
	if len(pcm) != 1 || pcm[0] != 9 {
		t.Fatalf("unexpected pcm %v", pcm)
	}
}

func TestEngine_FallsThroughToNextProvider(t *testing.T) {
	a := &fakeSynth{name: "a", failTimes: 10}
	b := &fakeSynth{name: "b", pcm: []byte{7}}
	e := newTestEngine(t, a, b)
	pcm, err := e.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if a.calls.Load() != 2 {
		t.Fatalf("primary should get exactly two attempts, got %d", a.calls.Load())
	}
	if len(pcm) != 1 || pcm[0] != 7 {
		t.Fatalf("unexpected pcm %v", pcm)
	}
}

func TestEngine_AllFail(t *testing.T) {
	a := &fakeSynth{name: "a", failTimes: 10}
	b := &fakeSynth{name: "b", failTimes: 10}
	e := newTestEngine(t, a, b)
	_, err := e.Synthesize(context.Background(), "hi")
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("expected ChainError, got %v", err)
	}
	if len(chainErr.Errors) != 4 {
		t.Fatalf("expected 4 recorded attempts, got %d", len(chainErr.Errors))
	}
}

func TestEngine_CancelDoesNotRetry(t *testing.T) {
	a := &fakeSynth{name: "a", hang: true}
	e := newTestEngine(t, a)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Synthesize(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("cancelled synthesis must not retry, calls=%d", a.calls.Load())
	}
}

func TestEngine_NoProviders(t *testing.T) {
	if _, err := NewEngine(time.Second, nil...); err == nil {
		t.Fatalf("expected error with zero providers")
	}
}

func TestDeepgram_NoKey(t *testing.T) {
	d := NewDeepgramSynthesizer("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Collect(ctx, d, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestElevenLabs_NoKey(t *testing.T) {
	e := NewElevenLabsSynthesizer("", "")
	if _, err := Collect(context.Background(), e, "hello"); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestElevenLabs_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("xi-api-key"); got != "key" {
			t.Errorf("missing api key header, got %q", got)
		}
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	e := NewElevenLabsSynthesizer("key", "voice")
	e.HTTPClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	pcm, err := Collect(context.Background(), e, "hello")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(pcm) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(pcm))
	}
}

func TestElevenLabs_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer srv.Close()

	e := NewElevenLabsSynthesizer("key", "voice")
	e.HTTPClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	if _, err := Collect(context.Background(), e, "hello"); err == nil {
		t.Fatalf("expected status error")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
