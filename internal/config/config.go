// Package config loads server settings from CHANNELS_* environment variables.
//
// Every key has a default that works for local development, except the two
// secrets: without CHANNELS_JWT_SECRET the API runs unauthenticated-only, and
// without CHANNELS_BOUNCE_SECRET the bounce webhook is not mounted.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/channel-lifecycle/internal/repository/sqlite"
)

type Config struct {
	Port     int
	LogLevel slog.Level

	Shards []sqlite.ShardSpec

	JWTSecret    string
	BounceSecret string

	// Redis backs the debounce flags. Empty RedisAddr means in-memory flags.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SendGridKey enables real e-mail delivery; otherwise messages are logged.
	SendGridKey string
	MailFrom    string

	DefaultCountryCode   string
	MaxBounceShards      int
	BlockedEmailDomains  []string
	TrustedRedirectHosts []string

	Workers    int
	WorkerPoll time.Duration
}

// Load reads the environment. It fails on values that are present but malformed.
func Load() (*Config, error) {
	cfg := &Config{
		JWTSecret:            os.Getenv("CHANNELS_JWT_SECRET"),
		BounceSecret:         os.Getenv("CHANNELS_BOUNCE_SECRET"),
		RedisAddr:            os.Getenv("CHANNELS_REDIS_ADDR"),
		RedisPassword:        os.Getenv("CHANNELS_REDIS_PASSWORD"),
		SendGridKey:          os.Getenv("CHANNELS_SENDGRID_KEY"),
		MailFrom:             getenv("CHANNELS_MAIL_FROM", "no-reply@localhost"),
		DefaultCountryCode:   getenv("CHANNELS_DEFAULT_COUNTRY_CODE", "1"),
		BlockedEmailDomains:  splitAndTrim(os.Getenv("CHANNELS_BLOCKED_EMAIL_DOMAINS")),
		TrustedRedirectHosts: splitAndTrim(os.Getenv("CHANNELS_TRUSTED_REDIRECT_HOSTS")),
	}

	var err error
	if cfg.Port, err = getenvInt("CHANNELS_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getenvInt("CHANNELS_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MaxBounceShards, err = getenvInt("CHANNELS_MAX_BOUNCE_SHARDS", 50); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getenvInt("CHANNELS_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.WorkerPoll, err = getenvDuration("CHANNELS_WORKER_POLL", time.Second); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = parseLevel(getenv("CHANNELS_LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.Shards, err = sqlite.ParseShardSpecs(getenv("CHANNELS_SHARDS", "1=data/shard1.db")); err != nil {
		return nil, fmt.Errorf("config: CHANNELS_SHARDS: %w", err)
	}

	if cfg.Workers < 1 {
		return nil, fmt.Errorf("config: CHANNELS_WORKERS must be >= 1, got %d", cfg.Workers)
	}
	if strings.TrimLeft(cfg.DefaultCountryCode, "0123456789") != "" {
		return nil, fmt.Errorf("config: CHANNELS_DEFAULT_COUNTRY_CODE must be digits, got %q", cfg.DefaultCountryCode)
	}

	return cfg, nil
}

// LogValue keeps secrets out of the startup log line.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("log_level", c.LogLevel.String()),
		slog.Int("shards", len(c.Shards)),
		slog.Bool("auth", c.JWTSecret != ""),
		slog.Bool("bounce_webhook", c.BounceSecret != ""),
		slog.Bool("redis", c.RedisAddr != ""),
		slog.Bool("sendgrid", c.SendGridKey != ""),
		slog.Int("workers", c.Workers),
	)
}

// helpers

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid integer for %s: %q", key, v)
	}
	return i, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration for %s: %q", key, v)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid CHANNELS_LOG_LEVEL %q", s)
	}
	return l, nil
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
