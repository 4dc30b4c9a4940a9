package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	MaxBodyBytes int64

	// RTP media.
	RTPBindIP          string
	RTPPortMin         int
	RTPPortMax         int
	ReceiverMinChunk   time.Duration
	ReceiverFlushEvery time.Duration
	TransmitFrame      time.Duration
	TransmitLowWater   time.Duration
	TransmitHighWater  time.Duration

	// Turn-taking.
	GracePeriod          time.Duration
	PendingAudioCapacity int
	DispatchBatch        int
	Greeting             string

	// AI realtime socket.
	AIProvider            string
	AIInstructions        string
	AIDialTimeout         time.Duration
	OpenAIAPIKey          string
	OpenAIRealtimeURL     string
	OpenAIRealtimeModel   string
	OpenAIVoice           string
	OpenAITranscribeModel string
	GeminiAPIKey          string
	GeminiLiveModel       string
	GeminiVoice           string

	// Transcript storage. Empty DatabaseURL keeps transcripts in memory.
	DatabaseURL       string
	TranscriptTimeout time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VAI_CALL_ADDR", ":8080"),
		AuthMode:              AuthMode(envOr("VAI_CALL_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:               make(map[string]struct{}),
		MaxBodyBytes:          envInt64Or("VAI_CALL_MAX_BODY_BYTES", 64<<10), // 64 KiB
		RTPBindIP:             envOr("VAI_CALL_RTP_BIND_IP", ""),
		RTPPortMin:            envIntOr("VAI_CALL_RTP_PORT_MIN", 10000),
		RTPPortMax:            envIntOr("VAI_CALL_RTP_PORT_MAX", 20000),
		ReceiverMinChunk:      envDurationOr("VAI_CALL_RECEIVER_MIN_CHUNK", 40*time.Millisecond),
		ReceiverFlushEvery:    envDurationOr("VAI_CALL_RECEIVER_FLUSH_INTERVAL", 100*time.Millisecond),
		TransmitFrame:         envDurationOr("VAI_CALL_TRANSMIT_FRAME", 20*time.Millisecond),
		TransmitLowWater:      envDurationOr("VAI_CALL_TRANSMIT_LOW_WATER", 40*time.Millisecond),
		TransmitHighWater:     envDurationOr("VAI_CALL_TRANSMIT_HIGH_WATER", 160*time.Millisecond),
		GracePeriod:           envDurationOr("VAI_CALL_GRACE_PERIOD", 3*time.Second),
		PendingAudioCapacity:  envIntOr("VAI_CALL_PENDING_AUDIO_CAPACITY", 200),
		DispatchBatch:         envIntOr("VAI_CALL_DISPATCH_BATCH", 20),
		Greeting:              envOr("VAI_CALL_GREETING", ""),
		AIProvider:            strings.ToLower(envOr("VAI_CALL_AI_PROVIDER", "openai")),
		AIInstructions:        envOr("VAI_CALL_AI_INSTRUCTIONS", ""),
		AIDialTimeout:         envDurationOr("VAI_CALL_AI_DIAL_TIMEOUT", 10*time.Second),
		OpenAIAPIKey:          envOr("OPENAI_API_KEY", ""),
		OpenAIRealtimeURL:     envOr("VAI_CALL_OPENAI_REALTIME_URL", ""),
		OpenAIRealtimeModel:   envOr("VAI_CALL_OPENAI_REALTIME_MODEL", ""),
		OpenAIVoice:           envOr("VAI_CALL_OPENAI_VOICE", ""),
		OpenAITranscribeModel: envOr("VAI_CALL_OPENAI_TRANSCRIPTION_MODEL", ""),
		GeminiAPIKey:          envOr("GEMINI_API_KEY", ""),
		GeminiLiveModel:       envOr("VAI_CALL_GEMINI_LIVE_MODEL", ""),
		GeminiVoice:           envOr("VAI_CALL_GEMINI_VOICE", ""),
		DatabaseURL:           envOr("VAI_CALL_DATABASE_URL", ""),
		TranscriptTimeout:     envDurationOr("VAI_CALL_TRANSCRIPT_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:     envDurationOr("VAI_CALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:           envDurationOr("VAI_CALL_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:        envDurationOr("VAI_CALL_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:   envDurationOr("VAI_CALL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_CALL_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VAI_CALL_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_MAX_BODY_BYTES must be > 0")
	}
	if cfg.RTPPortMin <= 0 || cfg.RTPPortMin > 65535 {
		return Config{}, fmt.Errorf("VAI_CALL_RTP_PORT_MIN must be between 1 and 65535")
	}
	if cfg.RTPPortMax <= 0 || cfg.RTPPortMax > 65535 {
		return Config{}, fmt.Errorf("VAI_CALL_RTP_PORT_MAX must be between 1 and 65535")
	}
	if cfg.RTPPortMin > cfg.RTPPortMax {
		return Config{}, fmt.Errorf("VAI_CALL_RTP_PORT_MIN must be <= VAI_CALL_RTP_PORT_MAX")
	}
	if cfg.ReceiverMinChunk <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_RECEIVER_MIN_CHUNK must be > 0")
	}
	if cfg.ReceiverFlushEvery <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_RECEIVER_FLUSH_INTERVAL must be > 0")
	}
	if cfg.TransmitFrame <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_TRANSMIT_FRAME must be > 0")
	}
	if cfg.TransmitLowWater < cfg.TransmitFrame {
		return Config{}, fmt.Errorf("VAI_CALL_TRANSMIT_LOW_WATER must be >= VAI_CALL_TRANSMIT_FRAME")
	}
	if cfg.TransmitHighWater < cfg.TransmitLowWater {
		return Config{}, fmt.Errorf("VAI_CALL_TRANSMIT_HIGH_WATER must be >= VAI_CALL_TRANSMIT_LOW_WATER")
	}
	if cfg.GracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_GRACE_PERIOD must be > 0")
	}
	if cfg.PendingAudioCapacity <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_PENDING_AUDIO_CAPACITY must be > 0")
	}
	if cfg.DispatchBatch <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_DISPATCH_BATCH must be > 0")
	}
	if cfg.DispatchBatch > cfg.PendingAudioCapacity {
		return Config{}, fmt.Errorf("VAI_CALL_DISPATCH_BATCH must be <= VAI_CALL_PENDING_AUDIO_CAPACITY")
	}
	switch cfg.AIProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY must be set when VAI_CALL_AI_PROVIDER=openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY must be set when VAI_CALL_AI_PROVIDER=gemini")
		}
	default:
		return Config{}, fmt.Errorf("VAI_CALL_AI_PROVIDER must be one of openai|gemini")
	}
	if cfg.AIDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_AI_DIAL_TIMEOUT must be > 0")
	}
	if cfg.TranscriptTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_TRANSCRIPT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_CALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_CALL_API_KEYS must be set when VAI_CALL_AUTH_MODE=required")
	}

	return cfg, nil
}

// PortAllowed reports whether port is inside the configured RTP range.
func (c Config) PortAllowed(port int) bool {
	return port >= c.RTPPortMin && port <= c.RTPPortMax
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
