// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Per-platform credentials are not part of the process config; they live in the
// credential document managed by package credentials.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Paths
	ConfigDir       string `env:"CHATMUX_CONFIG_DIR"`
	CredentialsFile string `env:"CHATMUX_CREDENTIALS_FILE"`
	KeyFile         string `env:"CHATMUX_KEY_FILE"`
	EncryptionKey   string `env:"ENCRYPTION_KEY"`

	// Shared callback server
	CallbackAddr     string `env:"CALLBACK_ADDR" envDefault:":8765"`
	PublicWebhookURL string `env:"PUBLIC_WEBHOOK_URL"`

	// Transport
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	WSOpenTimeout  time.Duration `env:"WS_OPEN_TIMEOUT" envDefault:"10s"`
	WSPingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"20s"`

	// Lifecycle
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"50m"`
	ShutdownGrace        time.Duration `env:"SHUTDOWN_GRACE" envDefault:"5s"`
	ForwardBotChat       bool          `env:"FORWARD_BOT_CHAT" envDefault:"false"`

	// Dedup bounds
	DedupIDCapacity        int `env:"DEDUP_ID_CAPACITY" envDefault:"10000"`
	DedupCanonicalCapacity int `env:"DEDUP_CANONICAL_CAPACITY" envDefault:"10000"`
	DedupEchoCapacity      int `env:"DEDUP_ECHO_CAPACITY" envDefault:"512"`

	// Control endpoint protection
	AdminUsername          string        `env:"ADMIN_USERNAME"`
	AdminPassword          string        `env:"ADMIN_PASSWORD"`
	AdminToken             string        `env:"ADMIN_TOKEN"`
	RateLimitEnabled       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRequestsPerIP int           `env:"RATE_LIMIT_REQUESTS_PER_IP" envDefault:"30"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	CORSPermissive         bool          `env:"CORS_PERMISSIVE" envDefault:"false"`
	CORSAllowedOrigins     []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads environment variables and applies defaults. Path defaults are
// derived from the user's config directory when not set explicitly.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.ConfigDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.ConfigDir = filepath.Join(base, "chatmux")
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = filepath.Join(cfg.ConfigDir, "config.yaml")
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.ConfigDir, "secret.key")
	}

	if cfg.DedupIDCapacity <= 0 || cfg.DedupCanonicalCapacity <= 0 || cfg.DedupEchoCapacity <= 0 {
		return nil, fmt.Errorf("dedup capacities must be positive")
	}
	return cfg, nil
}

// ValidateCallback checks the callback server address is usable.
func (c *Config) ValidateCallback() error {
	if c.CallbackAddr == "" {
		return fmt.Errorf("missing CALLBACK_ADDR")
	}
	if _, _, err := net.SplitHostPort(c.CallbackAddr); err != nil {
		return fmt.Errorf("invalid CALLBACK_ADDR %q: %w", c.CallbackAddr, err)
	}
	return nil
}
