// Package config loads ledgerd's process configuration from a YAML file on
// disk, creating one with defaults on first run, following the teacher's
// internal/node.Config load/save pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name inside DataDir.
const ConfigFileName = "config.yaml"

// Config holds all ledgerd process configuration.
type Config struct {
	// DataDir is where the event store, snapshot cache, and this file
	// itself live.
	DataDir string `yaml:"data_dir"`

	// Server is the ledger server's sync and realtime endpoints.
	Server ServerConfig `yaml:"server"`

	// Wallet is the default wallet selected on startup, if any.
	Wallet WalletConfig `yaml:"wallet"`

	// Logging controls the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// AdminAPI controls the local HTTP+WebSocket admin surface.
	AdminAPI AdminAPIConfig `yaml:"admin_api"`
}

// ServerConfig holds the remote ledger server's connection details.
type ServerConfig struct {
	// BaseURL is the HTTP(S) base URL for /api/sync/* endpoints.
	BaseURL string `yaml:"base_url"`

	// RealtimeURL is the ws:// or wss:// URL for the notification channel.
	// Defaults to BaseURL with the scheme swapped and "/api/sync/ws"
	// appended when empty.
	RealtimeURL string `yaml:"realtime_url"`
}

// WalletConfig holds the wallet selected at startup.
type WalletConfig struct {
	DefaultWalletID string `yaml:"default_wallet_id"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// File is read from and saved to config.yaml; cmd/ledgerd does not use
	// it and always logs to stderr.
	File string `yaml:"file"`
}

// AdminAPIConfig controls the local admin HTTP+WS surface.
type AdminAPIConfig struct {
	// ListenAddr is the address the admin API binds, e.g. "127.0.0.1:8732".
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config with sensible defaults for a fresh install.
func Default() *Config {
	return &Config{
		DataDir: "~/.ledgerd",
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		AdminAPI: AdminAPIConfig{
			ListenAddr: "127.0.0.1:8732",
		},
	}
}

// Load reads config.yaml from dataDir, creating one with defaults if it
// doesn't exist yet. dataDir overrides whatever DataDir a freshly created
// default file would otherwise carry.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.DataDir = expanded

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: create default: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.DataDir = expanded

	return cfg, nil
}

// Save writes the config to path as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// RealtimeEndpoint returns the configured realtime URL, or one derived from
// Server.BaseURL when empty.
func (c *Config) RealtimeEndpoint() string {
	if c.Server.RealtimeURL != "" {
		return c.Server.RealtimeURL
	}

	url := c.Server.BaseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimSuffix(url, "/") + "/api/sync/ws"
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
