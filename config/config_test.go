package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATMUX_CONFIG_DIR", dir)
	t.Setenv("CALLBACK_ADDR", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CredentialsFile != filepath.Join(dir, "config.yaml") {
		t.Errorf("CredentialsFile = %q, want %q", cfg.CredentialsFile, filepath.Join(dir, "config.yaml"))
	}
	if cfg.KeyFile != filepath.Join(dir, "secret.key") {
		t.Errorf("KeyFile = %q, want %q", cfg.KeyFile, filepath.Join(dir, "secret.key"))
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want 10s", cfg.HTTPTimeout)
	}
	if cfg.TokenRefreshInterval != 50*time.Minute {
		t.Errorf("TokenRefreshInterval = %v, want 50m", cfg.TokenRefreshInterval)
	}
	if cfg.ShutdownGrace != 5*time.Second {
		t.Errorf("ShutdownGrace = %v, want 5s", cfg.ShutdownGrace)
	}
	if cfg.DedupIDCapacity != 10000 || cfg.DedupCanonicalCapacity != 10000 || cfg.DedupEchoCapacity != 512 {
		t.Errorf("dedup capacities = %d/%d/%d, want 10000/10000/512", cfg.DedupIDCapacity, cfg.DedupCanonicalCapacity, cfg.DedupEchoCapacity)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHATMUX_CREDENTIALS_FILE", "/tmp/creds.yaml")
	t.Setenv("HTTP_TIMEOUT", "3s")
	t.Setenv("FORWARD_BOT_CHAT", "true")
	t.Setenv("DEDUP_ECHO_CAPACITY", "64")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CredentialsFile != "/tmp/creds.yaml" {
		t.Errorf("CredentialsFile = %q, want /tmp/creds.yaml", cfg.CredentialsFile)
	}
	if cfg.HTTPTimeout != 3*time.Second {
		t.Errorf("HTTPTimeout = %v, want 3s", cfg.HTTPTimeout)
	}
	if !cfg.ForwardBotChat {
		t.Errorf("ForwardBotChat = false, want true")
	}
	if cfg.DedupEchoCapacity != 64 {
		t.Errorf("DedupEchoCapacity = %d, want 64", cfg.DedupEchoCapacity)
	}
}

func TestLoadRejectsBadCapacity(t *testing.T) {
	t.Setenv("DEDUP_ID_CAPACITY", "0")
	if _, err := Load(); err == nil {
		t.Error("Load() error = nil, want error for zero capacity")
	}
}

func TestValidateCallback(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{":8765", false},
		{"127.0.0.1:9000", false},
		{"", true},
		{"nope", true},
	}
	for _, tt := range tests {
		c := &Config{CallbackAddr: tt.addr}
		if err := c.ValidateCallback(); (err != nil) != tt.wantErr {
			t.Errorf("ValidateCallback(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
		}
	}
}

func TestLoadControlSettings(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,https://overlay.example.com")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q, want s3cret", cfg.AdminToken)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://overlay.example.com" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.RateLimitWindow != 30*time.Second || !cfg.RateLimitEnabled || cfg.RateLimitRequestsPerIP != 30 {
		t.Errorf("rate limit = %v/%v/%d, want 30s/true/30", cfg.RateLimitWindow, cfg.RateLimitEnabled, cfg.RateLimitRequestsPerIP)
	}
}
