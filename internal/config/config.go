package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Jasoncarelse27/atlas-sub000/internal/log"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string

	// Provider credentials and models.
	AssemblyAIKey     string
	CerebrasKey       string
	CerebrasModelID   string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Collaborator endpoints.
	SupabaseURL        string
	SupabaseServiceKey string

	// Session limits.
	HandshakeTimeout   time.Duration
	MaxSessionDuration time.Duration
	CostLimitUSD       float64
	MaxSessionsPerUser int

	// Turn segmentation thresholds.
	MinSpeechMs   int
	SilenceHoldMs int

	// Speakable unit length cap for unpunctuated output.
	MaxUnitChars int

	// Provider timeouts.
	GenerationStallTimeout time.Duration
	SynthesisTimeout       time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:            envStr("HTTP_ADDRESS", ":8080"),
		LogLevel:               envStr("LOG_LEVEL", "info"),
		AssemblyAIKey:          os.Getenv("ASSEMBLYAI_API_KEY"),
		CerebrasKey:            os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID:        envStr("CEREBRAS_MODEL_ID", "gpt-oss-120b"),
		DeepgramKey:            os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:          envStr("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:          os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID:      os.Getenv("ELEVENLABS_VOICE_ID"),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey:     os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		HandshakeTimeout:       envDuration("SESSION_HANDSHAKE_TIMEOUT_MS", 5000*time.Millisecond),
		MaxSessionDuration:     envDuration("SESSION_MAX_DURATION_MS", 30*time.Minute),
		CostLimitUSD:           envFloat("SESSION_COST_LIMIT_USD", 1.0),
		MaxSessionsPerUser:     envInt("MAX_SESSIONS_PER_USER", 2),
		MinSpeechMs:            envInt("VAD_MIN_SPEECH_MS", 200),
		SilenceHoldMs:          envInt("VAD_SILENCE_HOLD_MS", 700),
		MaxUnitChars:           envInt("SEGMENT_MAX_UNIT_CHARS", 240),
		GenerationStallTimeout: envDuration("LLM_STALL_TIMEOUT_MS", 10000*time.Millisecond),
		SynthesisTimeout:       envDuration("TTS_UNIT_TIMEOUT_MS", 8000*time.Millisecond),
	}

	if cfg.AssemblyAIKey == "" {
		log.Warn("ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if cfg.CerebrasKey == "" {
		log.Warn("CEREBRAS_API_KEY not set - LLM will not work")
	}
	if cfg.DeepgramKey == "" && cfg.ElevenLabsKey == "" {
		log.Warn("no TTS provider key set - synthesis will not work")
	}
	if cfg.SupabaseURL == "" {
		log.Warn("SUPABASE_URL not set - auth and history disabled")
	}

	log.Info("config loaded", "http_address", cfg.HTTPAddress)
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid integer env value, using default", "key", key, "value", v)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn("invalid float env value, using default", "key", key, "value", v)
		return def
	}
	return f
}

// envDuration reads a millisecond-valued env var.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Warn("invalid duration env value, using default", "key", key, "value", v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
