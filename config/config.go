// Package config loads process configuration from the environment and the
// cache manifest from TOML.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the process configuration for offlined.
type Config struct {
	// Addr is the listen address of the host server.
	Addr string `env:"ADDR, default=:8080"`
	// UpstreamURL is the origin of the backend API and pages.
	UpstreamURL string `env:"UPSTREAM_URL, required"`
	// PublicOrigin is the origin clients see; notification targets are
	// resolved against it. Defaults to UpstreamURL.
	PublicOrigin string `env:"PUBLIC_ORIGIN"`
	// ManifestPath points at a TOML cache manifest. Empty selects the
	// built-in manifest.
	ManifestPath string `env:"MANIFEST_PATH"`

	CacheDSN         string `env:"CACHE_DSN, default=offline-cache.db"`
	StoreDSN         string `env:"STORE_DSN, default=offline-store.db"`
	SubscriptionsDSN string `env:"SUBSCRIPTIONS_DSN, default=subscriptions.db"`

	// VAPIDKMSKey selects a Cloud KMS key version for VAPID signing. When
	// empty, the PEM key at VAPIDKeyPath is used (and generated if missing).
	VAPIDKMSKey  string `env:"VAPID_KMS_KEY"`
	VAPIDKeyPath string `env:"VAPID_KEY_PATH, default=vapid-private.pem"`
	VAPIDSubject string `env:"VAPID_SUBJECT, default=mailto:admin@example.com"`

	TTLSweepInterval time.Duration `env:"TTL_SWEEP_INTERVAL, default=10m"`
	ProbeInterval    time.Duration `env:"PROBE_INTERVAL, default=15s"`
	ProbePath        string        `env:"PROBE_PATH, default=/api/health"`
	SyncRPS          float64       `env:"SYNC_RPS, default=5"`
	PushConcurrency  int           `env:"PUSH_CONCURRENCY, default=8"`

	LogLevel  string `env:"LOG_LEVEL, default=info"`
	LogFormat string `env:"LOG_FORMAT, default=json"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot check on its own.
func (c *Config) Validate() error {
	if _, err := parseOrigin(c.UpstreamURL); err != nil {
		return fmt.Errorf("UPSTREAM_URL: %w", err)
	}
	if c.PublicOrigin != "" {
		if _, err := parseOrigin(c.PublicOrigin); err != nil {
			return fmt.Errorf("PUBLIC_ORIGIN: %w", err)
		}
	}
	if c.SyncRPS <= 0 {
		return fmt.Errorf("SYNC_RPS must be positive, got %v", c.SyncRPS)
	}
	if c.PushConcurrency <= 0 {
		return fmt.Errorf("PUSH_CONCURRENCY must be positive, got %d", c.PushConcurrency)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Upstream returns the parsed upstream origin.
func (c *Config) Upstream() *url.URL {
	u, _ := parseOrigin(c.UpstreamURL)
	return u
}

// Origin returns the public origin, falling back to the upstream.
func (c *Config) Origin() *url.URL {
	if c.PublicOrigin != "" {
		u, _ := parseOrigin(c.PublicOrigin)
		return u
	}
	return c.Upstream()
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}
