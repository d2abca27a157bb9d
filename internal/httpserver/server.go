// Package httpserver exposes the voice WebSocket endpoint plus the
// REST surface: health, one-shot chat, SSE chat streaming, one-shot
// synthesis, and Prometheus metrics.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jasoncarelse27/atlas-sub000/internal/config"
	"github.com/Jasoncarelse27/atlas-sub000/internal/history"
	"github.com/Jasoncarelse27/atlas-sub000/internal/identity"
	"github.com/Jasoncarelse27/atlas-sub000/internal/llm"
	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
	"github.com/Jasoncarelse27/atlas-sub000/internal/session"
	"github.com/Jasoncarelse27/atlas-sub000/internal/tts"
)

// ChatModel is the text-only surface of the language model, used by
// the REST chat endpoints.
type ChatModel interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
	GenerateStream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config   config.Config
	Sessions *session.Manager
	Verifier identity.Verifier
	Chat     ChatModel
	TTS      tts.Synthesizer
	History  history.Store
}

type Server struct {
	Echo *echo.Echo

	deps     Deps
	upgrader websocket.Upgrader
}

// New creates a configured server with all routes registered.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		Echo: e,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// browser demo clients connect from any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/health", s.health)
	e.GET("/v1/voice", s.voice)
	e.POST("/v1/chat", s.chat)
	e.GET("/v1/chat/stream", s.chatStream)
	e.POST("/v1/tts", s.synthesize)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

type healthResponse struct {
	Status    string          `json:"status"`
	Providers map[string]bool `json:"providers"`
}

// health reports which providers are configured, mirroring what the
// voice pipeline will be able to do.
func (s *Server) health(c echo.Context) error {
	cfg := s.deps.Config
	providers := map[string]bool{
		"stt":  cfg.AssemblyAIKey != "",
		"llm":  cfg.CerebrasKey != "",
		"tts":  cfg.DeepgramKey != "" || cfg.ElevenLabsKey != "",
		"auth": cfg.SupabaseURL != "",
	}
	status := "ok"
	for _, ok := range providers {
		if !ok {
			status = "degraded"
			break
		}
	}
	return c.JSON(http.StatusOK, healthResponse{Status: status, Providers: providers})
}

// voice upgrades to WebSocket and hands the connection to the session
// manager, which owns it from here.
func (s *Server) voice(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	s.deps.Sessions.Handle(c.Request().Context(), conn)
	return nil
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type chatResponse struct {
	Reply          string `json:"reply"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) chat(c echo.Context) error {
	id, err := s.authenticate(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message required"})
	}

	ctx := c.Request().Context()
	messages := s.contextMessages(ctx, req.ConversationID, req.Message)
	reply, err := s.deps.Chat.Generate(ctx, messages)
	if err != nil {
		log.Error("chat generation failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "generation failed"})
	}

	s.commitExchange(ctx, id.UserID, req.ConversationID, req.Message, reply)
	return c.JSON(http.StatusOK, chatResponse{Reply: reply, ConversationID: req.ConversationID})
}

// chatStream streams the reply over SSE: a start event, one token
// event per delta, a done event with the full reply, then end. It is
// a GET with query parameters so EventSource clients can consume it.
func (s *Server) chatStream(c echo.Context) error {
	id, err := s.authenticate(c)
	if err != nil {
		return err
	}
	req := chatRequest{
		Message:        c.QueryParam("message"),
		ConversationID: c.QueryParam("conversationId"),
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message required"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	writeEvent := func(event, data string) {
		fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
		resp.Flush()
	}

	ctx := c.Request().Context()
	writeEvent("start", fmt.Sprintf(`{"conversationId":%q}`, req.ConversationID))

	messages := s.contextMessages(ctx, req.ConversationID, req.Message)
	deltas, errCh := s.deps.Chat.GenerateStream(ctx, messages)
	var full strings.Builder
	for delta := range deltas {
		full.WriteString(delta)
		writeEvent("token", fmt.Sprintf(`{"text":%q}`, delta))
	}
	if err := <-errCh; err != nil {
		log.Error("chat stream failed", "error", err)
		writeEvent("error", fmt.Sprintf(`{"message":%q}`, "generation failed"))
		writeEvent("end", "{}")
		return nil
	}

	reply := strings.TrimSpace(full.String())
	s.commitExchange(ctx, id.UserID, req.ConversationID, req.Message, reply)
	writeEvent("done", fmt.Sprintf(`{"reply":%q}`, reply))
	writeEvent("end", "{}")
	return nil
}

type ttsRequest struct {
	Text string `json:"text"`
}

// synthesize streams raw PCM16LE 48 kHz mono for the given text.
func (s *Server) synthesize(c echo.Context) error {
	if _, err := s.authenticate(c); err != nil {
		return err
	}
	var req ttsRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text required"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "audio/L16;rate=48000;channels=1")
	resp.WriteHeader(http.StatusOK)

	ctx := c.Request().Context()
	pcmCh, errCh := s.deps.TTS.StreamPCM48k(ctx, req.Text)
	wrote := false
	for chunk := range pcmCh {
		if _, err := resp.Write(chunk); err != nil {
			return nil
		}
		resp.Flush()
		wrote = true
	}
	if err := <-errCh; err != nil {
		log.Error("synthesis failed", "error", err)
		if !wrote {
			// headers already sent; nothing better to do than close
			return nil
		}
	}
	return nil
}

// authenticate resolves the Bearer token on REST endpoints.
func (s *Server) authenticate(c echo.Context) (identity.Identity, error) {
	header := c.Request().Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return identity.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "bearer token required")
	}
	id, err := s.deps.Verifier.Verify(c.Request().Context(), token)
	if err != nil {
		return identity.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return id, nil
}

// contextMessages replays stored conversation turns ahead of the new
// user message.
func (s *Server) contextMessages(ctx context.Context, conversationID, userText string) []llm.Message {
	var hist []llm.Message
	if s.deps.History != nil && conversationID != "" {
		past, err := s.deps.History.Recent(ctx, conversationID, 20)
		if err != nil {
			log.Warn("history fetch failed", "conversation_id", conversationID, "error", err)
		}
		for _, t := range past {
			if t.Role != "user" && t.Role != "assistant" {
				continue
			}
			hist = append(hist, llm.Message{Role: t.Role, Content: t.Text})
		}
	}
	return llm.WithHistory(hist, userText)
}

func (s *Server) commitExchange(ctx context.Context, userID, conversationID, userText, reply string) {
	if s.deps.History == nil || conversationID == "" {
		return
	}
	for _, t := range []history.Turn{
		{ConversationID: conversationID, UserID: userID, Role: "user", Text: userText},
		{ConversationID: conversationID, UserID: userID, Role: "assistant", Text: reply},
	} {
		if err := s.deps.History.Append(ctx, t); err != nil {
			log.Warn("history append failed", "conversation_id", conversationID, "error", err)
		}
	}
}
