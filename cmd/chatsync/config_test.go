package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("default section", func(t *testing.T) {
		cfg := &Config{}
		if err := setConfigValue(cfg, "default.base_url", "https://chat.example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := setConfigValue(cfg, "default.transport", "sse"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Default.BaseURL != "https://chat.example.com" || cfg.Default.Transport != "sse" {
			t.Fatalf("unexpected config: %+v", cfg.Default)
		}
	})

	t.Run("identity section", func(t *testing.T) {
		cfg := &Config{}
		if err := setConfigValue(cfg, "identity.display_name", "Alice"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Identity.DisplayName != "Alice" {
			t.Fatalf("expected Alice, got %q", cfg.Identity.DisplayName)
		}
	})

	t.Run("sync durations are validated", func(t *testing.T) {
		cfg := &Config{}
		if err := setConfigValue(cfg, "sync.room_refresh", "1m"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Sync.RoomRefresh != "1m" {
			t.Fatalf("expected 1m, got %q", cfg.Sync.RoomRefresh)
		}
		if err := setConfigValue(cfg, "sync.detail_refresh", "soon"); err == nil {
			t.Fatal("expected error for invalid duration")
		}
	})

	t.Run("rejects bad input", func(t *testing.T) {
		cfg := &Config{}
		cases := map[string]string{
			"token":              "x",
			"default.nope":       "x",
			"nope.field":         "x",
			"default.transport":  "carrier-pigeon",
			"sync.list_topics":   "some",
			"identity.something": "x",
		}
		for key, value := range cases {
			if err := setConfigValue(cfg, key, value); err == nil {
				t.Errorf("expected error for %s=%s", key, value)
			}
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_USER_ID", "u-env")

	cfg := &Config{}
	cfg.Default.Token = "file-token"
	cfg.Default.BaseURL = "https://file.example.com"
	applyEnv(cfg)

	if cfg.Default.Token != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.Default.Token)
	}
	if cfg.Identity.UserID != "u-env" {
		t.Fatalf("expected u-env, got %q", cfg.Identity.UserID)
	}
	if cfg.Default.BaseURL != "https://file.example.com" {
		t.Fatalf("unset env must not override, got %q", cfg.Default.BaseURL)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Default.Token != "" {
		t.Fatal("expected empty config when no file exists")
	}

	cfg.Default.BaseURL = "https://chat.example.com"
	cfg.Default.Token = "secret-token-value"
	cfg.Identity.UserID = "u1"
	cfg.Sync.ListTopics = "all"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, ".chatsync", "config.toml"))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "[identity]") {
		t.Fatalf("expected [identity] section, got:\n%s", data)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Default.BaseURL != cfg.Default.BaseURL || loaded.Identity.UserID != "u1" || loaded.Sync.ListTopics != "all" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "****" {
		t.Fatalf("expected ****, got %q", got)
	}
	if got := maskKey("abcdef-0123456789-wxyz"); got != "abcdef...wxyz" {
		t.Fatalf("unexpected mask: %q", got)
	}
}
