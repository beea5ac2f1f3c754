package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault     `toml:"default"`
	Identity chatsync.Identity `toml:"identity"`
	Sync     ConfigSync        `toml:"sync"`
}

// ConfigDefault holds the server connection settings.
type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	Token         string `toml:"token"`
	Transport     string `toml:"transport"` // "ws", "sse" or "webhook"
	WebhookAddr   string `toml:"webhook_addr,omitempty"`
	WebhookSecret string `toml:"webhook_secret,omitempty"`
}

// ConfigSync holds the repair cadence and list subscription policy.
type ConfigSync struct {
	RoomRefresh   string `toml:"room_refresh"`
	DetailRefresh string `toml:"detail_refresh"`
	ListTopics    string `toml:"list_topics"` // "new" or "all"
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok || field == "" {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "transport":
			if value != "ws" && value != "sse" && value != "webhook" {
				return fmt.Errorf("transport must be ws, sse or webhook")
			}
			cfg.Default.Transport = value
		case "webhook_addr":
			cfg.Default.WebhookAddr = value
		case "webhook_secret":
			cfg.Default.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "identity":
		switch field {
		case "user_id":
			cfg.Identity.UserID = value
		case "display_name":
			cfg.Identity.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	case "sync":
		switch field {
		case "room_refresh", "detail_refresh":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			if field == "room_refresh" {
				cfg.Sync.RoomRefresh = value
			} else {
				cfg.Sync.DetailRefresh = value
			}
		case "list_topics":
			if value != "new" && value != "all" {
				return fmt.Errorf("list_topics must be new or all")
			}
			cfg.Sync.ListTopics = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, identity, sync)", section)
	}
	return nil
}

// applyEnv overlays CHATSYNC_* environment variables on cfg.
func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"CHATSYNC_BASE_URL":       &cfg.Default.BaseURL,
		"CHATSYNC_TOKEN":          &cfg.Default.Token,
		"CHATSYNC_TRANSPORT":      &cfg.Default.Transport,
		"CHATSYNC_WEBHOOK_SECRET": &cfg.Default.WebhookSecret,
		"CHATSYNC_USER_ID":        &cfg.Identity.UserID,
		"CHATSYNC_DISPLAY_NAME":   &cfg.Identity.DisplayName,
	}
	for env, field := range overrides {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	logger   zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync engine CLI",
	Long:  "Command-line client for a chat server.\nList rooms, read history, send messages and watch rooms in real time.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		if logLevel == "" {
			logLevel = os.Getenv("CHATSYNC_LOG_LEVEL")
		}
		l, err := newLogger(logLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
