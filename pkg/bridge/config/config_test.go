package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "disabled")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.AudioFormat != "g711_ulaw" {
		t.Fatalf("AudioFormat=%q", cfg.AudioFormat)
	}
	if cfg.FrameBytes != 160 {
		t.Fatalf("FrameBytes=%d", cfg.FrameBytes)
	}
	if cfg.CoalesceWindow != 5*time.Second {
		t.Fatalf("CoalesceWindow=%v", cfg.CoalesceWindow)
	}
	if cfg.MaxSessionLifetime != 30*time.Minute {
		t.Fatalf("MaxSessionLifetime=%v", cfg.MaxSessionLifetime)
	}
	if cfg.DialingEnabled() {
		t.Fatalf("dialing enabled without credentials")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "required")
	t.Setenv("VOICEBRIDGE_API_KEYS", "k1, k2")
	t.Setenv("VOICEBRIDGE_ADDR", ":9090")
	t.Setenv("VOICEBRIDGE_AUDIO_FORMAT", "pcm16")
	t.Setenv("VOICEBRIDGE_FRAME_BYTES", "320")
	t.Setenv("VOICEBRIDGE_TRANSCRIPT_COALESCE_WINDOW", "2s")
	t.Setenv("VOICEBRIDGE_VAD_THRESHOLD", "0.7")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys=%v", cfg.APIKeys)
	}
	if _, ok := cfg.APIKeys["k2"]; !ok {
		t.Fatalf("k2 missing from APIKeys")
	}
	if cfg.Addr != ":9090" || cfg.AudioFormat != "pcm16" || cfg.FrameBytes != 320 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.CoalesceWindow != 2*time.Second {
		t.Fatalf("CoalesceWindow=%v", cfg.CoalesceWindow)
	}
	if cfg.VADThreshold != 0.7 {
		t.Fatalf("VADThreshold=%v", cfg.VADThreshold)
	}
}

func TestLoadFromEnv_RequiredAuthNeedsKeys(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "required")
	t.Setenv("VOICEBRIDGE_API_KEYS", "")

	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "VOICEBRIDGE_API_KEYS") {
		t.Fatalf("err=%v, want API keys error", err)
	}
}

func TestLoadFromEnv_InvalidAuthMode(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "sometimes")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for bad auth mode")
	}
}

func TestLoadFromEnv_InvalidAudioFormat(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "disabled")
	t.Setenv("VOICEBRIDGE_AUDIO_FORMAT", "opus")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for unsupported audio format")
	}
}

func TestLoadFromEnv_TwilioAllOrNothing(t *testing.T) {
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "disabled")
	t.Setenv("VOICEBRIDGE_TWILIO_ACCOUNT_SID", "AC123")

	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "must be set together") {
		t.Fatalf("err=%v, want partial-credentials error", err)
	}

	t.Setenv("VOICEBRIDGE_TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("VOICEBRIDGE_TWILIO_FROM_NUMBER", "+15550001234")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !cfg.DialingEnabled() {
		t.Fatalf("dialing not enabled with full credentials")
	}
}
