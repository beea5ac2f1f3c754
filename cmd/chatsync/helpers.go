package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// newLogger builds the console logger for the given level. An empty level
// means warn.
func newLogger(level string) (zerolog.Logger, error) {
	lvl := zerolog.WarnLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// runtimeConfig loads the config file with environment overrides and checks
// that the server settings are present.
func runtimeConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Default.BaseURL == "" || cfg.Default.Token == "" {
		return nil, fmt.Errorf("no server configured. Run 'chatsync init <base-url> <token>' first")
	}
	return cfg, nil
}

func newBackend(cfg *Config) *chatsync.HTTPBackend {
	return chatsync.NewHTTPBackend(cfg.Default.Token,
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithLogger(logger),
	)
}

// transportCloser is a Transport that can be shut down.
type transportCloser interface {
	chatsync.Transport
	Close() error
}

func newTransport(cfg *Config) (transportCloser, error) {
	tc := &chatsync.TransportConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: true,
		Logger:        &logger,
	}
	switch cfg.Default.Transport {
	case "sse":
		return chatsync.NewSSETransport(cfg.Default.BaseURL, tc), nil
	case "webhook":
		return newWebhookListener(cfg.Default.WebhookAddr, cfg.Default.WebhookSecret)
	}
	return chatsync.NewWSTransport(cfg.Default.BaseURL, tc), nil
}

// newEngine wires an engine from the CLI config. reg may be nil.
func newEngine(cfg *Config, reg prometheus.Registerer) (*chatsync.Engine, transportCloser, error) {
	opts := chatsync.Options{
		Identity: cfg.Identity,
		Logger:   &logger,
		Metrics:  chatsync.NewMetrics(reg),
	}
	if cfg.Sync.RoomRefresh != "" {
		d, err := time.ParseDuration(cfg.Sync.RoomRefresh)
		if err != nil {
			return nil, nil, fmt.Errorf("sync.room_refresh: %w", err)
		}
		opts.RoomRefreshInterval = d
	}
	if cfg.Sync.DetailRefresh != "" {
		d, err := time.ParseDuration(cfg.Sync.DetailRefresh)
		if err != nil {
			return nil, nil, fmt.Errorf("sync.detail_refresh: %w", err)
		}
		opts.DetailRefreshInterval = d
	}
	if cfg.Sync.ListTopics == "all" {
		opts.ListTopics = chatsync.ListAllTopics
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	return chatsync.NewEngine(nil, transport, newBackend(cfg), opts), transport, nil
}

// userError turns an engine error into the notice shown on the terminal.
func userError(err error) error {
	if err == nil {
		return nil
	}
	logger.Debug().Err(err).Msg("Command failed")
	return errors.New(chatsync.UserMessage(err))
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
