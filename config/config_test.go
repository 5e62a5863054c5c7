package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.TwitchPollInterval != 1800*time.Second {
		t.Errorf("TwitchPollInterval = %v, want 30m", cfg.TwitchPollInterval)
	}
	if cfg.YTPollInterval != 600*time.Second {
		t.Errorf("YTPollInterval = %v, want 10m", cfg.YTPollInterval)
	}
	if cfg.YTHubURL == "" {
		t.Error("YTHubURL default missing")
	}
	if cfg.DBDsn == "" {
		t.Error("DBDsn default missing")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("TWITCH_POLL_INTERVAL", "5m")
	t.Setenv("YT_POLL_INTERVAL", "bogus")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
	if cfg.TwitchPollInterval != 5*time.Minute {
		t.Errorf("TwitchPollInterval = %v, want 5m", cfg.TwitchPollInterval)
	}
	// Unparseable duration falls back to the default.
	if cfg.YTPollInterval != 600*time.Second {
		t.Errorf("YTPollInterval = %v, want default 10m", cfg.YTPollInterval)
	}
}

func TestValidateHelpers(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateTwitchReady(); err == nil {
		t.Error("ValidateTwitchReady passed with empty credentials")
	}
	if err := cfg.ValidateWebhookReady(); err == nil {
		t.Error("ValidateWebhookReady passed with empty base URL")
	}
	if err := cfg.ValidateDiscordReady(); err == nil {
		t.Error("ValidateDiscordReady passed with empty token")
	}
	cfg.TwitchClientID, cfg.TwitchClientSecret = "id", "secret"
	cfg.PublicBaseURL = "https://herald.example.com"
	cfg.DiscordToken = "token"
	if err := cfg.ValidateTwitchReady(); err != nil {
		t.Errorf("ValidateTwitchReady: %v", err)
	}
	if err := cfg.ValidateWebhookReady(); err != nil {
		t.Errorf("ValidateWebhookReady: %v", err)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		t.Errorf("ValidateDiscordReady: %v", err)
	}
}
