package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL == "" {
		t.Error("expected a default server base_url")
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("expected config file to be written: %v", err)
	}
}

func TestLoadReadsExistingFile(t *testing.T) {
	dir := t.TempDir()

	custom := Default()
	custom.Server.BaseURL = "https://ledger.example.com"
	if err := custom.Save(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.BaseURL != "https://ledger.example.com" {
		t.Errorf("BaseURL = %q, want https://ledger.example.com", cfg.Server.BaseURL)
	}
}

func TestLoadExpandsDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("~/ledgerd-data")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := filepath.Join(home, "ledgerd-data")
	if cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if _, err := os.Stat(filepath.Join(want, ConfigFileName)); err != nil {
		t.Errorf("expected config file under expanded dir: %v", err)
	}
}

func TestRealtimeEndpointDerivesFromBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Server.BaseURL = "https://ledger.example.com"

	want := "wss://ledger.example.com/api/sync/ws"
	if got := cfg.RealtimeEndpoint(); got != want {
		t.Errorf("RealtimeEndpoint() = %q, want %q", got, want)
	}
}

func TestRealtimeEndpointRespectsExplicitOverride(t *testing.T) {
	cfg := Default()
	cfg.Server.RealtimeURL = "wss://custom.example.com/notify"

	if got := cfg.RealtimeEndpoint(); got != "wss://custom.example.com/notify" {
		t.Errorf("RealtimeEndpoint() = %q, want explicit override", got)
	}
}
