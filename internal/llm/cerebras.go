package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSystemPrompt = "You are a helpful, concise voice AI agent. Answer clearly and briefly."

// Message is one chat turn in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	// StallTimeout aborts a streaming generation when no delta arrives within
	// the window. Zero disables the stall check.
	StallTimeout time.Duration
}

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Delta        streamDelta `json:"delta"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		APIKey:       apiKey,
		Model:        model,
		StallTimeout: 10 * time.Second,
	}
}

const endpoint = "https://api.cerebras.ai/v1/chat/completions"

// WithHistory prepends the system prompt and prior conversation turns to the
// latest user text, producing the message list for one generation request.
func WithHistory(history []Message, latestUser string) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: defaultSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: latestUser})
	return messages
}

// Generate performs a single non-streaming completion.
func (c *CerebrasClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras api key missing")
	}

	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Temperature: 0.2})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

// GenerateStream performs a streaming completion and delivers text deltas as
// they arrive. The delta channel is closed at end of stream; at most one
// error is delivered on the error channel. Cancelling ctx aborts the request
// and stops delta delivery promptly.
func (c *CerebrasClient) GenerateStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	deltas := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errCh)

		if c.APIKey == "" {
			errCh <- fmt.Errorf("cerebras api key missing")
			return
		}

		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Temperature: 0.2, Stream: true})
		req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			errCh <- fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
			return
		}

		// Stall watchdog: no delta within StallTimeout is treated as a
		// provider failure rather than waiting on a dead stream.
		var stall *time.Timer
		stalled := false
		if c.StallTimeout > 0 {
			stall = time.AfterFunc(c.StallTimeout, func() { stalled = true; cancel() })
			defer stall.Stop()
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if stall != nil {
				stall.Reset(c.StallTimeout)
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				select {
				case deltas <- text:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			if stalled {
				errCh <- fmt.Errorf("cerebras: generation stalled after %s", c.StallTimeout)
				return
			}
			if ctx.Err() != nil {
				// caller cancelled; not a provider failure
				return
			}
			errCh <- fmt.Errorf("cerebras: stream read: %w", err)
		}
	}()

	return deltas, errCh
}
