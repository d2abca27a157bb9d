// Package session owns the lifecycle of one voice WebSocket
// connection: handshake and auth, the audio pipeline, spending and
// duration ceilings, and teardown.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Jasoncarelse27/atlas-sub000/internal/audio"
	"github.com/Jasoncarelse27/atlas-sub000/internal/billing"
	"github.com/Jasoncarelse27/atlas-sub000/internal/config"
	"github.com/Jasoncarelse27/atlas-sub000/internal/history"
	"github.com/Jasoncarelse27/atlas-sub000/internal/identity"
	"github.com/Jasoncarelse27/atlas-sub000/internal/llm"
	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
	"github.com/Jasoncarelse27/atlas-sub000/internal/observe"
	"github.com/Jasoncarelse27/atlas-sub000/internal/playback"
	"github.com/Jasoncarelse27/atlas-sub000/internal/protocol"
	"github.com/Jasoncarelse27/atlas-sub000/internal/transcript"
	"github.com/Jasoncarelse27/atlas-sub000/internal/turn"
	"github.com/Jasoncarelse27/atlas-sub000/internal/vad"
)

// historyWindow is how many past turns are replayed as model context.
const historyWindow = 20

// Conn is the subset of *websocket.Conn the session needs, extracted
// so tests can drive a session without a network.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Deps bundles everything a session needs. NewTranscriber is a
// factory because each session owns a dedicated STT stream.
type Deps struct {
	Verifier       identity.Verifier
	NewTranscriber func() transcript.Streamer
	Generator      turn.Generator
	Synthesizer    turn.Synthesizer
	History        history.Store
	Archiver       *history.Archiver
	Limiter        *Limiter
	Metrics        *observe.Metrics
	Rates          billing.Rates
	Config         config.Config
}

// Manager accepts voice connections and runs each one as a session.
type Manager struct {
	deps Deps
}

func NewManager(deps Deps) *Manager {
	if deps.Limiter == nil {
		deps.Limiter = NewLimiter(deps.Config.MaxSessionsPerUser)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Rates == (billing.Rates{}) {
		deps.Rates = billing.DefaultRates()
	}
	if deps.History == nil {
		deps.History = history.NewMemoryStore()
	}
	return &Manager{deps: deps}
}

// Handle runs one connection to completion. It always closes conn.
func (m *Manager) Handle(ctx context.Context, conn Conn) {
	defer conn.Close()

	id, start, err := m.handshake(ctx, conn)
	if err != nil {
		return
	}

	if !m.deps.Limiter.Acquire(id.UserID) {
		writeError(conn, protocol.CodeRateLimitExceeded,
			fmt.Sprintf("user has %d active sessions", m.deps.Limiter.Active(id.UserID)))
		return
	}
	defer m.deps.Limiter.Release(id.UserID)

	s, err := newSession(m.deps, conn, id, start)
	if err != nil {
		writeError(conn, protocol.CodeProtocolError, err.Error())
		return
	}
	s.run(ctx)
}

// handshake enforces that the first message is a valid session_start
// within the configured window, and authenticates its token.
func (m *Manager) handshake(ctx context.Context, conn Conn) (identity.Identity, protocol.SessionStartData, error) {
	var start protocol.SessionStartData

	timeout := m.deps.Config.HandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg *protocol.Message
	for msg == nil {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			writeError(conn, protocol.CodeAuthRequired, "no session_start received before deadline")
			return identity.Identity{}, start, err
		}
		if mt != websocket.TextMessage {
			// audio before auth is discarded per-message; the
			// handshake window keeps running
			writeError(conn, protocol.CodeAuthRequired, "authenticate before sending audio")
			continue
		}
		msg, err = protocol.ParseMessage(data)
		if err != nil || msg.Type != protocol.TypeSessionStart {
			writeError(conn, protocol.CodeProtocolError, "expected session_start as first message")
			return identity.Identity{}, start, errors.New("session: first message was not session_start")
		}
	}
	if err := msg.ParseData(&start); err != nil {
		writeError(conn, protocol.CodeProtocolError, "malformed session_start payload")
		return identity.Identity{}, start, err
	}

	authCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	id, err := m.deps.Verifier.Verify(authCtx, start.AuthToken)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			writeError(conn, protocol.CodeAuthInvalid, "token rejected")
		} else {
			writeError(conn, protocol.CodeAuthInvalid, "auth backend unavailable")
		}
		return identity.Identity{}, start, err
	}
	return id, start, nil
}

type session struct {
	deps Deps
	conn Conn

	id             string
	userID         string
	conversationID string
	startedAt      time.Time

	out     chan *protocol.Message
	tracker *billing.Tracker

	stt        transcript.Streamer
	decoder    *audio.OpusDecoder // nil when frames arrive as raw PCM
	source     *audio.Source
	gate       *audio.Gate
	seg        *vad.Segmenter
	player     *playback.PacedPlayer
	controller *turn.Controller

	turnMu sync.Mutex // serializes turns within the session

	currentTurnID atomic.Value // string
	utteranceID   atomic.Value // string, set by the VAD per utterance
	// utteranceEndNanos feeds the response latency metrics; zeroed
	// once first audio for the turn is emitted.
	utteranceEndNanos atomic.Int64
	sttLatencyNanos   atomic.Int64

	endOnce   sync.Once
	endReason atomic.Value // string
	cancel    context.CancelFunc

	recordMu sync.Mutex
	record   []history.Turn
}

func newSession(deps Deps, conn Conn, id identity.Identity, start protocol.SessionStartData) (*session, error) {
	conversationID := start.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var decoder *audio.OpusDecoder
	switch start.Codec {
	case "", "pcm":
	case "opus":
		var err error
		decoder, err = audio.NewOpusDecoder()
		if err != nil {
			return nil, fmt.Errorf("opus codec unavailable: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", start.Codec)
	}
	s := &session{
		deps:           deps,
		conn:           conn,
		id:             uuid.NewString(),
		userID:         id.UserID,
		conversationID: conversationID,
		startedAt:      time.Now(),
		out:            make(chan *protocol.Message, 512),
		tracker:        billing.NewTracker(deps.Rates, deps.Config.CostLimitUSD),
		stt:            deps.NewTranscriber(),
		decoder:        decoder,
		source:         audio.NewSource(),
		gate:           &audio.Gate{},
	}
	s.currentTurnID.Store("")
	s.utteranceID.Store("")
	s.endReason.Store("")

	s.player = playback.NewPacedPlayer(s.emitAudioFrame)
	s.controller = turn.NewController(deps.Generator, deps.Synthesizer, s.player, deps.Config.MaxUnitChars)
	s.seg = vad.New(vad.Config{
		MinSpeechMs:   deps.Config.MinSpeechMs,
		SilenceHoldMs: deps.Config.SilenceHoldMs,
	}, s.controller.Active)
	return s, nil
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer s.player.Close()

	s.deps.Metrics.ActiveSessions.Add(ctx, 1)
	defer s.deps.Metrics.ActiveSessions.Add(context.Background(), -1)

	if err := s.stt.Connect(ctx); err != nil {
		log.Error("stt connect failed", "session_id", s.id, "error", err)
		s.deps.Metrics.RecordProviderError(ctx, "assemblyai", "stt")
		writeError(s.conn, protocol.CodeSTTError, "transcription unavailable")
		return
	}
	defer s.stt.Close()

	s.send(ctx, protocol.TypeSessionStarted, protocol.SessionStartedData{SessionID: s.id})
	log.Info("session started", "session_id", s.id, "user_id", s.userID, "conversation_id", s.conversationID)

	if d := s.deps.Config.MaxSessionDuration; d > 0 {
		timer := time.AfterFunc(d, func() {
			s.sendError(ctx, protocol.CodeDurationLimitExceeded, "session duration limit reached")
			s.end("duration_limit_exceeded")
		})
		defer timer.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.resultLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error {
		// unblock the reader once the session is over
		<-gctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("session pipeline error", "session_id", s.id, "error", err)
	}
	s.finish()
}

// readLoop consumes client traffic: binary microphone audio and JSON
// control messages.
func (s *session) readLoop(ctx context.Context) error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.end("connection_closed")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(ctx, data)
		case websocket.TextMessage:
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				s.sendError(ctx, protocol.CodeProtocolError, "malformed message")
				continue
			}
			if msg.Type == protocol.TypeSessionEnd {
				s.end("client_requested")
				return nil
			}
			s.sendError(ctx, protocol.CodeProtocolError, fmt.Sprintf("unexpected message type %q", msg.Type))
		}
	}
}

func (s *session) handleAudio(ctx context.Context, data []byte) {
	if s.decoder != nil {
		samples, err := s.decoder.Decode(data)
		if err != nil {
			log.Debug("opus decode failed", "session_id", s.id, "error", err)
			return
		}
		data = audio.BytesLE(samples)
	}
	s.tracker.AddSTTAudio(float64(len(data)) / 2 / audio.InputSampleRate)
	if s.tracker.Exceeded() {
		s.sendError(ctx, protocol.CodeCostLimitExceeded, "session cost limit reached")
		s.end("cost_limit_exceeded")
		return
	}
	if err := s.stt.SendPCM16KLE(data); err != nil {
		log.Debug("stt send failed", "session_id", s.id, "error", err)
	}

	for _, f := range s.source.Ingest(data) {
		if !s.gate.Admit(f) {
			continue
		}
		for _, ev := range s.seg.ProcessFrame(f) {
			s.handleVADEvent(ctx, ev)
		}
	}
}

func (s *session) handleVADEvent(ctx context.Context, ev vad.Event) {
	switch ev.Type {
	case vad.UtteranceStarted:
		s.utteranceID.Store(ev.UtteranceID)
		if ev.IsBargeIn {
			s.deps.Metrics.BargeIns.Add(ctx, 1)
			s.controller.Interrupt()
		}
	case vad.UtteranceEnded:
		now := time.Now().UnixNano()
		s.utteranceEndNanos.Store(now)
		s.sttLatencyNanos.Store(now)
		if err := s.stt.Finalize(); err != nil {
			log.Warn("stt finalize failed", "session_id", s.id, "error", err)
		}
	}
}

// resultLoop forwards transcript updates and starts a turn on each
// non-empty final.
func (s *session) resultLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-s.stt.Results():
			if !ok {
				return nil
			}
			uid, _ := s.utteranceID.Load().(string)
			data := protocol.TranscriptData{UtteranceID: uid, Text: res.Text, Confidence: res.Confidence}
			if !res.Final {
				s.send(ctx, protocol.TypePartialTranscript, data)
				continue
			}
			s.send(ctx, protocol.TypeFinalTranscript, data)
			if at := s.sttLatencyNanos.Swap(0); at != 0 {
				s.deps.Metrics.STTDuration.Record(ctx, time.Since(time.Unix(0, at)).Seconds())
			}
			if res.Text == "" {
				continue
			}
			text := res.Text
			go s.runTurn(ctx, text)
		}
	}
}

func (s *session) runTurn(ctx context.Context, userText string) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	turnID := uuid.NewString()
	s.currentTurnID.Store(turnID)
	started := time.Now()

	past, err := s.deps.History.Recent(ctx, s.conversationID, historyWindow)
	if err != nil {
		log.Warn("history fetch failed", "session_id", s.id, "error", err)
	}
	messages := llmMessages(past, userText)

	res, err := s.controller.Run(ctx, turnID, messages, userText, nil)
	s.currentTurnID.Store("")
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		log.Error("turn failed", "session_id", s.id, "turn_id", turnID, "error", err)
		s.deps.Metrics.RecordProviderError(ctx, "cerebras", "llm")
		s.deps.Metrics.RecordTurn(ctx, "error")
		s.sendError(ctx, protocol.CodeLLMError, "response generation failed")
		return
	}

	if res.UnitsFailed > 0 {
		log.Warn("synthesis failed for some units", "session_id", s.id, "turn_id", turnID, "failed", res.UnitsFailed)
		s.deps.Metrics.RecordProviderError(ctx, "tts", "synthesis")
		s.sendError(ctx, protocol.CodeTTSError, "speech synthesis failed for part of the reply")
	}

	s.send(ctx, protocol.TypeTurnComplete, protocol.TurnCompleteData{
		TurnID:      turnID,
		Text:        res.SpokenText,
		Interrupted: res.Interrupted,
	})

	status := "completed"
	if res.Interrupted {
		status = "interrupted"
	}
	s.deps.Metrics.RecordTurn(ctx, status)
	s.deps.Metrics.TurnDuration.Record(ctx, time.Since(started).Seconds())
	if res.FirstDelta > 0 {
		s.deps.Metrics.LLMFirstTokenDuration.Record(ctx, res.FirstDelta.Seconds())
	}
	for _, d := range res.SynthDurations {
		s.deps.Metrics.TTSDuration.Record(ctx, d.Seconds())
	}

	s.tracker.AddLLMChars(len(res.FullReply))
	s.tracker.AddTTSChars(res.SynthChars)

	s.commitTurn(ctx, history.Turn{Role: "user", Text: res.UserText})
	if res.SpokenText != "" || res.Interrupted {
		s.commitTurn(ctx, history.Turn{Role: "assistant", Text: res.SpokenText, Interrupted: res.Interrupted})
	}

	if s.tracker.Exceeded() {
		s.sendError(ctx, protocol.CodeCostLimitExceeded, "session cost limit reached")
		s.end("cost_limit_exceeded")
	}
}

func (s *session) commitTurn(ctx context.Context, t history.Turn) {
	t.ConversationID = s.conversationID
	t.UserID = s.userID
	t.CreatedAt = time.Now().UTC()
	if err := s.deps.History.Append(ctx, t); err != nil {
		log.Warn("history append failed", "session_id", s.id, "error", err)
	}
	s.recordMu.Lock()
	s.record = append(s.record, t)
	s.recordMu.Unlock()
}

// emitAudioFrame is the paced writer sink: every 20 ms frame becomes
// one audio_chunk message attributed to the unit being played.
func (s *session) emitAudioFrame(pcm []byte) {
	turnID, _ := s.currentTurnID.Load().(string)
	msg, err := protocol.NewMessage(protocol.TypeAudioChunk, protocol.AudioChunkData{
		TurnID:    turnID,
		UnitIndex: s.player.CurrentUnit(),
		Payload:   base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return
	}
	if at := s.utteranceEndNanos.Swap(0); at != 0 {
		s.deps.Metrics.FirstAudioDuration.Record(context.Background(), time.Since(time.Unix(0, at)).Seconds())
	}
	select {
	case s.out <- msg:
	default:
		// slow client; dropping is better than stalling the pacer
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.out:
			b, err := msg.Bytes()
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.end("connection_closed")
				return nil
			}
		}
	}
}

func (s *session) send(ctx context.Context, t protocol.MessageType, data interface{}) {
	msg, err := protocol.NewMessage(t, data)
	if err != nil {
		return
	}
	select {
	case s.out <- msg:
	case <-ctx.Done():
	}
}

func (s *session) sendError(ctx context.Context, code protocol.ErrorCode, text string) {
	s.send(ctx, protocol.TypeError, protocol.ErrorData{Code: code, Message: text})
}

// end records the first reason given and unwinds the pipeline.
func (s *session) end(reason string) {
	s.endOnce.Do(func() {
		s.endReason.Store(reason)
		s.controller.Interrupt()
		if s.cancel != nil {
			// give queued messages a moment to flush
			time.AfterFunc(100*time.Millisecond, s.cancel)
		}
	})
}

// finish emits session_ended directly on the connection after the
// write loop has exited, then archives the transcript.
func (s *session) finish() {
	reason, _ := s.endReason.Load().(string)
	if reason == "" {
		reason = "server_shutdown"
	}
	usage := s.tracker.Snapshot()
	ended := time.Now()

	msg, err := protocol.NewMessage(protocol.TypeSessionEnded, protocol.SessionEndedData{
		SessionID:       s.id,
		Reason:          reason,
		DurationSeconds: ended.Sub(s.startedAt).Seconds(),
		CostUSD:         usage.TotalUSD,
	})
	if err == nil {
		if b, err := msg.Bytes(); err == nil {
			_ = s.conn.WriteMessage(websocket.TextMessage, b)
		}
	}

	s.deps.Metrics.SessionCost.Record(context.Background(), usage.TotalUSD)
	log.Info("session ended",
		"session_id", s.id,
		"reason", reason,
		"duration_s", ended.Sub(s.startedAt).Seconds(),
		"cost_usd", usage.TotalUSD,
	)

	if s.deps.Archiver != nil {
		s.recordMu.Lock()
		turns := append([]history.Turn(nil), s.record...)
		s.recordMu.Unlock()
		rec := history.SessionRecord{
			SessionID:      s.id,
			UserID:         s.userID,
			ConversationID: s.conversationID,
			StartedAt:      s.startedAt,
			EndedAt:        ended,
			EndReason:      reason,
			CostUSD:        usage.TotalUSD,
			Turns:          turns,
		}
		if err := s.deps.Archiver.Archive(rec); err != nil {
			log.Warn("session archive failed", "session_id", s.id, "error", err)
		}
	}
}

func writeError(conn Conn, code protocol.ErrorCode, text string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorData{Code: code, Message: text})
	if err != nil {
		return
	}
	b, err := msg.Bytes()
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// llmMessages converts stored turns plus the fresh user text into the
// chat format the generator expects.
func llmMessages(past []history.Turn, userText string) []llm.Message {
	hist := make([]llm.Message, 0, len(past))
	for _, t := range past {
		role := t.Role
		if role != "user" && role != "assistant" {
			continue
		}
		if t.Text == "" {
			continue
		}
		hist = append(hist, llm.Message{Role: role, Content: t.Text})
	}
	return llm.WithHistory(hist, userText)
}
