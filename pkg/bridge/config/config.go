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

	// PublicHost is the externally reachable host[:port] used to build the
	// media-stream websocket URL handed to the telephony provider.
	PublicHost string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// Speech provider.
	AIRealtimeURL        string
	AIAPIKey             string
	AIVoice              string
	AITranscriptionModel string
	VADThreshold         float64
	VADSilenceMS         int

	// Audio.
	AudioFormat string
	FrameBytes  int

	// Session lifecycle.
	CoalesceWindow     time.Duration
	LinkCloseTimeout   time.Duration
	MaxSessionLifetime time.Duration
	MaxPendingFrames   int
	MaxSessions        int
	EvictTimeout       time.Duration

	// Persistence. Empty disables Postgres and logs outcomes instead.
	DatabaseURL string

	// Outbound telephony dialing. All three must be set to enable it.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICEBRIDGE_ADDR", ":8080"),
		PublicHost:           envOr("VOICEBRIDGE_PUBLIC_HOST", ""),
		AuthMode:             AuthMode(envOr("VOICEBRIDGE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:              make(map[string]struct{}),
		AIRealtimeURL:        envOr("VOICEBRIDGE_AI_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		AIAPIKey:             envOr("VOICEBRIDGE_AI_API_KEY", ""),
		AIVoice:              envOr("VOICEBRIDGE_AI_VOICE", "alloy"),
		AITranscriptionModel: envOr("VOICEBRIDGE_AI_TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:         envFloat64Or("VOICEBRIDGE_VAD_THRESHOLD", 0.5),
		VADSilenceMS:         envIntOr("VOICEBRIDGE_VAD_SILENCE_MS", 500),
		AudioFormat:          envOr("VOICEBRIDGE_AUDIO_FORMAT", "g711_ulaw"),
		FrameBytes:           envIntOr("VOICEBRIDGE_FRAME_BYTES", 160),
		CoalesceWindow:       envDurationOr("VOICEBRIDGE_TRANSCRIPT_COALESCE_WINDOW", 5*time.Second),
		LinkCloseTimeout:     envDurationOr("VOICEBRIDGE_LINK_CLOSE_TIMEOUT", 2*time.Second),
		MaxSessionLifetime:   envDurationOr("VOICEBRIDGE_MAX_SESSION_LIFETIME", 30*time.Minute),
		MaxPendingFrames:     envIntOr("VOICEBRIDGE_MAX_PENDING_FRAMES", 1000),
		MaxSessions:          envIntOr("VOICEBRIDGE_MAX_SESSIONS", 200),
		EvictTimeout:         envDurationOr("VOICEBRIDGE_EVICT_TIMEOUT", 5*time.Second),
		DatabaseURL:          envOr("VOICEBRIDGE_DATABASE_URL", ""),
		TwilioAccountSID:     envOr("VOICEBRIDGE_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:      envOr("VOICEBRIDGE_TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:     envOr("VOICEBRIDGE_TWILIO_FROM_NUMBER", ""),
		ReadHeaderTimeout:    envDurationOr("VOICEBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICEBRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOICEBRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	if strings.TrimSpace(cfg.AIRealtimeURL) == "" {
		return Config{}, fmt.Errorf("VOICEBRIDGE_AI_REALTIME_URL must not be empty")
	}
	switch cfg.AudioFormat {
	case "g711_ulaw", "pcm16":
	default:
		return Config{}, fmt.Errorf("VOICEBRIDGE_AUDIO_FORMAT must be one of g711_ulaw|pcm16")
	}
	if cfg.FrameBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_FRAME_BYTES must be > 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_VAD_THRESHOLD must be within [0, 1]")
	}
	if cfg.VADSilenceMS <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_VAD_SILENCE_MS must be > 0")
	}
	if cfg.CoalesceWindow <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_TRANSCRIPT_COALESCE_WINDOW must be > 0")
	}
	if cfg.LinkCloseTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_LINK_CLOSE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionLifetime <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_MAX_SESSION_LIFETIME must be > 0")
	}
	if cfg.MaxPendingFrames <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_MAX_PENDING_FRAMES must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_MAX_SESSIONS must be >= 0")
	}
	if cfg.EvictTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_EVICT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_API_KEYS must be set when VOICEBRIDGE_AUTH_MODE=required")
	}

	twilio := 0
	for _, v := range []string{cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber} {
		if strings.TrimSpace(v) != "" {
			twilio++
		}
	}
	if twilio != 0 && twilio != 3 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_TWILIO_ACCOUNT_SID, VOICEBRIDGE_TWILIO_AUTH_TOKEN and VOICEBRIDGE_TWILIO_FROM_NUMBER must be set together")
	}

	return cfg, nil
}

// DialingEnabled reports whether outbound call initiation is configured.
func (c Config) DialingEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
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
