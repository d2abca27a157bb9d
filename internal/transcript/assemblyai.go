package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
)

// FINALIZE_GRACE bounds how long we wait for the provider to answer a forced
// endpoint before committing whatever transcript we already hold. Late ASR
// updates inside this window are still absorbed.
const FINALIZE_GRACE = 1 * time.Second

// AssemblyAIService streams audio to the AssemblyAI v3 realtime endpoint over
// WebSocket and emits partial and final transcript results.
type AssemblyAIService struct {
	apiKey    string
	conn      *websocket.Conn
	results   chan Result
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool

	// utterance accumulation
	accMu                   sync.Mutex
	latestFullTranscript    string
	latestConfidence        float64
	committedFullTranscript string
	finalizePending         bool
	finalizeTimer           *time.Timer
}

// AssemblyAI message types
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence,omitempty"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAssemblyAIService creates a new transcription service.
func NewAssemblyAIService(apiKey string) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey:    apiKey,
		results:   make(chan Result, 100),
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

// Results returns the channel delivering partial and final transcripts.
func (s *AssemblyAIService) Results() <-chan Result { return s.results }

// Connect establishes the WebSocket connection to AssemblyAI.
func (s *AssemblyAIService) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("assemblyai: API key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")

	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())
	headers := map[string][]string{
		"Authorization": {s.apiKey},
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Warn("assemblyai connection failed", "status", resp.StatusCode)
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	s.conn = conn
	s.connected = true

	go s.handleMessages()
	go s.sendAudioData()

	log.Info("connected to assemblyai streaming service")
	return nil
}

// SendPCM16KLE queues audio data to be sent upstream. The audio buffer is
// bounded; under backpressure packets are dropped rather than stalling the
// session's read loop.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("assemblyai: not connected")
	}
	select {
	case s.audioData <- pcm:
	default:
		log.Warn("assemblyai audio buffer full, dropping packet")
	}
	return nil
}

// sendAudioData drains the audio queue into binary WebSocket writes.
func (s *AssemblyAIService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic in sendAudioData", "panic", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				log.Warn("assemblyai audio send failed", "error", err)
				return
			}
		}
	}
}

// Finalize forces an endpoint so the provider fixes the transcript for the
// utterance that the VAD just closed. The final result arrives on Results.
func (s *AssemblyAIService) Finalize() error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("assemblyai: not connected")
	}

	s.accMu.Lock()
	if s.finalizePending {
		s.accMu.Unlock()
		return nil
	}
	s.finalizePending = true
	// If the provider never answers the forced endpoint (e.g., utterance was
	// pure noise), commit what we hold after the grace window.
	s.finalizeTimer = time.AfterFunc(FINALIZE_GRACE, s.commitFinal)
	s.accMu.Unlock()

	if conn != nil {
		if err := conn.WriteJSON(map[string]string{"type": "ForceEndpoint"}); err != nil {
			return fmt.Errorf("assemblyai: force endpoint: %w", err)
		}
	}
	return nil
}

// Close closes the connection and cleans up resources.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	s.accMu.Lock()
	if s.finalizeTimer != nil {
		_ = s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
	s.accMu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	close(s.audioData)
	close(s.results)
	log.Info("assemblyai connection closed")
	return nil
}

// handleMessages processes incoming WebSocket messages.
func (s *AssemblyAIService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic in handleMessages", "panic", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Warn("assemblyai read error", "error", err)
				return
			}
			s.processMessage(message)
		}
	}
}

// processMessage handles different message types from AssemblyAI.
func (s *AssemblyAIService) processMessage(message []byte) {
	var baseMsg map[string]interface{}
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		log.Warn("assemblyai unmarshal error", "error", err)
		return
	}
	msgType, ok := baseMsg["type"].(string)
	if !ok {
		log.Warn("assemblyai message missing type field")
		return
	}
	switch msgType {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Info("assemblyai session began", "id", msg.ID,
			"expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.onTurn(msg)
	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Info("assemblyai session terminated",
			"audio_duration_s", msg.AudioDurationSeconds,
			"session_duration_s", msg.SessionDurationSeconds)
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Error("assemblyai error", "error", msg.Error)
	default:
		log.Debug("assemblyai unknown message type", "type", msgType)
	}
}

// onTurn records the running transcript and forwards the per-utterance delta
// as a partial result. When a forced endpoint completes, the delta is
// committed as the final transcript instead.
func (s *AssemblyAIService) onTurn(msg turnMessage) {
	s.accMu.Lock()
	if msg.Transcript != "" {
		s.latestFullTranscript = msg.Transcript
		s.latestConfidence = msg.EndOfTurnConfidence
	}
	pendingFinal := s.finalizePending && msg.EndOfTurn
	delta := s.deltaLocked()
	confidence := s.latestConfidence
	s.accMu.Unlock()

	if pendingFinal {
		s.commitFinal()
		return
	}
	if delta == "" {
		return
	}
	select {
	case s.results <- Result{Text: delta, Confidence: confidence}:
	default:
	}
}

// commitFinal fixes the delta since the last commit as the final transcript
// and emits it. Safe to call from both the message loop and the grace timer;
// only the first caller wins.
func (s *AssemblyAIService) commitFinal() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	if !s.finalizePending {
		s.accMu.Unlock()
		return
	}
	s.finalizePending = false
	if s.finalizeTimer != nil {
		_ = s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
	delta := s.deltaLocked()
	confidence := s.latestConfidence
	s.committedFullTranscript = s.latestFullTranscript
	s.accMu.Unlock()

	// Deliver without dropping so no finalized words are lost downstream.
	select {
	case <-s.stopCh:
	case s.results <- Result{Text: delta, Confidence: confidence, Final: true}:
	}
}

// deltaLocked computes the uncommitted transcript suffix. Callers hold accMu.
func (s *AssemblyAIService) deltaLocked() string {
	latest := s.latestFullTranscript
	base := s.committedFullTranscript
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return delta
}
