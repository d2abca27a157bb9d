// Package tts turns speakable text units into 48 kHz PCM audio.
package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
)

// Synthesizer streams linear16 PCM at 48 kHz for one piece of text.
// Both channels close when synthesis finishes; an error may arrive at
// any point, including after audio has already been delivered.
type Synthesizer interface {
	Name() string
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Collect drains one synthesis stream into a single buffer.
func Collect(ctx context.Context, s Synthesizer, text string) ([]byte, error) {
	pcmCh, errCh := s.StreamPCM48k(ctx, text)
	var pcm []byte
	for chunk := range pcmCh {
		pcm = append(pcm, chunk...)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return pcm, nil
}

// Engine wraps an ordered list of synthesizers with a per-attempt
// timeout and a single retry before falling through to the next
// provider. The first provider to return audio wins.
type Engine struct {
	providers []Synthesizer
	timeout   time.Duration
	backoff   time.Duration
}

func NewEngine(timeout time.Duration, providers ...Synthesizer) (*Engine, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("tts: at least one provider required")
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Engine{providers: providers, timeout: timeout, backoff: 200 * time.Millisecond}, nil
}

// Synthesize produces the full PCM for one unit. Each provider gets
// two attempts; cancellation aborts immediately without retrying.
func (e *Engine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var errs []error
	for i, p := range e.providers {
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(e.backoff):
				}
			}
			attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
			pcm, err := Collect(attemptCtx, p, text)
			cancel()
			if err == nil {
				if i > 0 || attempt > 0 {
					log.Info("tts recovered", "provider", p.Name(), "attempt", attempt+1)
				}
				return pcm, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s attempt %d: %w", p.Name(), attempt+1, err))
			log.Warn("tts attempt failed", "provider", p.Name(), "attempt", attempt+1, "error", err)
		}
	}
	return nil, &ChainError{Errors: errs}
}

// ChainError aggregates the per-attempt failures once every provider
// has been exhausted.
type ChainError struct {
	Errors []error
}

func (e *ChainError) Error() string {
	if len(e.Errors) == 0 {
		return "tts: no errors recorded"
	}
	return fmt.Sprintf("tts: all %d attempts failed, last: %v", len(e.Errors), e.Errors[len(e.Errors)-1])
}

func (e *ChainError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}
