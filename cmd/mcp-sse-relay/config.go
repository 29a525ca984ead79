package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is populated from the environment. Defaults live in the struct tags.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR,default=:3000"`
	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`
	RedisURL    string `env:"REDIS_URL,default=redis://localhost:6379"`

	TopicPrefix        string        `env:"RELAY_TOPIC_PREFIX"`
	SessionMaxDuration time.Duration `env:"SESSION_MAX_DURATION,default=795s"`
	MessageTTL         time.Duration `env:"MESSAGE_TTL,default=60s"`
	LogFlushInterval   time.Duration `env:"LOG_FLUSH_INTERVAL,default=100ms"`
	PublishMaxAttempts int           `env:"PUBLISH_MAX_ATTEMPTS,default=3"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	LogLevel      string `env:"LOG_LEVEL,default=info"`
	ServerName    string `env:"SERVER_NAME,default=mcp-sse-relay"`
	ServerVersion string `env:"SERVER_VERSION,default=0.1.0"`
}

// LoadConfig decodes the environment into a Config and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL must not be empty")
	}
	if c.SessionMaxDuration <= 0 {
		return fmt.Errorf("SESSION_MAX_DURATION must be positive, got %s", c.SessionMaxDuration)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("MESSAGE_TTL must be positive, got %s", c.MessageTTL)
	}
	if c.LogFlushInterval <= 0 {
		return fmt.Errorf("LOG_FLUSH_INTERVAL must be positive, got %s", c.LogFlushInterval)
	}
	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be at least 1, got %d", c.PublishMaxAttempts)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
