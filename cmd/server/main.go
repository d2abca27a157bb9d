package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jasoncarelse27/atlas-sub000/internal/config"
	"github.com/Jasoncarelse27/atlas-sub000/internal/history"
	"github.com/Jasoncarelse27/atlas-sub000/internal/httpserver"
	"github.com/Jasoncarelse27/atlas-sub000/internal/identity"
	"github.com/Jasoncarelse27/atlas-sub000/internal/llm"
	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
	"github.com/Jasoncarelse27/atlas-sub000/internal/observe"
	"github.com/Jasoncarelse27/atlas-sub000/internal/session"
	"github.com/Jasoncarelse27/atlas-sub000/internal/transcript"
	"github.com/Jasoncarelse27/atlas-sub000/internal/tts"
)

func main() {
	cfg := config.Load()
	log.Init(cfg.LogLevel)

	shutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		log.Error("metrics provider init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	generator := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
	generator.StallTimeout = cfg.GenerationStallTimeout

	engine, err := buildSynthesisChain(cfg)
	if err != nil {
		log.Error("no synthesis provider configured", "error", err)
		os.Exit(1)
	}

	verifier := buildVerifier(cfg)
	store, archiver := buildHistory(cfg)

	sessions := session.NewManager(session.Deps{
		Verifier: verifier,
		NewTranscriber: func() transcript.Streamer {
			return transcript.NewAssemblyAIService(cfg.AssemblyAIKey)
		},
		Generator:   generator,
		Synthesizer: engine,
		History:     store,
		Archiver:    archiver,
		Config:      cfg,
	})

	srv := httpserver.New(httpserver.Deps{
		Config:   cfg,
		Sessions: sessions,
		Verifier: verifier,
		Chat:     generator,
		TTS:      engine,
		History:  store,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}

// buildSynthesisChain prefers Deepgram and falls back to ElevenLabs
// when both are configured.
func buildSynthesisChain(cfg config.Config) (*tts.Engine, error) {
	var providers []tts.Synthesizer
	if cfg.DeepgramKey != "" {
		providers = append(providers, tts.NewDeepgramSynthesizer(cfg.DeepgramKey, cfg.DeepgramModel))
	}
	if cfg.ElevenLabsKey != "" {
		providers = append(providers, tts.NewElevenLabsSynthesizer(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID))
	}
	return tts.NewEngine(cfg.SynthesisTimeout, providers...)
}

func buildVerifier(cfg config.Config) identity.Verifier {
	if cfg.SupabaseURL != "" {
		return identity.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	}
	token := os.Getenv("DEV_ACCESS_TOKEN")
	if token == "" {
		token = "dev-token"
	}
	log.Warn("SUPABASE_URL not set - using static dev token auth")
	return &identity.StaticVerifier{Tokens: map[string]string{token: "dev-user"}}
}

func buildHistory(cfg config.Config) (history.Store, *history.Archiver) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		log.Warn("supabase not configured - conversation history kept in memory only")
		return history.NewMemoryStore(), nil
	}
	store := history.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey)
	archiver, err := history.NewArchiver(cfg.SupabaseURL, cfg.SupabaseServiceKey, "")
	if err != nil {
		log.Warn("session archiving disabled", "error", err)
		archiver = nil
	}
	return store, archiver
}
