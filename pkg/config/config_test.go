package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8000" {
		t.Fatalf("expected :8000, got %q", cfg.Server.Addr)
	}
	if cfg.Session.AckEvery != 10 || cfg.Session.StatsEvery != 50 {
		t.Fatalf("unexpected moduli %d/%d", cfg.Session.AckEvery, cfg.Session.StatsEvery)
	}
	if cfg.Transcription.Provider != "deepgram" {
		t.Fatalf("expected deepgram provider, got %q", cfg.Transcription.Provider)
	}
	if cfg.Store.Provider != "file" || cfg.Store.HistoryLimit != 50 {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
}

func TestLoadExpandsEnvInSettings(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "secret-key")
	path := writeConfig(t, `
log_level: debug
session:
  ack_every: 5
transcription:
  provider: deepgram
  settings:
    api_key: ${TEST_DG_KEY}
    model: nova-2
store:
  provider: memory
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Transcription.Settings["api_key"]; got != "secret-key" {
		t.Fatalf("expected expanded api key, got %v", got)
	}
	if cfg.Session.AckEvery != 5 || cfg.Session.StatsEvery != 50 {
		t.Fatalf("expected partial override, got %+v", cfg.Session)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CALLSCRIBE_SERVER_ADDR", ":9999")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected env override, got %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"ack_every":      "session:\n  ack_every: 0\n",
		"store provider": "store:\n  provider: postgres\n",
		"ws path":        "server:\n  ws_path: ws\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if !strings.Contains(err.Error(), "validate config") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
