// Package storage holds the on-disk configuration shared by the tree and
// image stores.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RateLimitConfig tunes the per-IP token bucket applied to mutating requests.
type RateLimitConfig struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"windowSeconds"`
	Burst         int `json:"burst"`
}

// ServerConfig holds the persistence tunables. It is stored as
// server_config.json in the data directory and created with defaults on
// first run.
type ServerConfig struct {
	// MaxUploadBytes caps avatar uploads.
	MaxUploadBytes int64 `json:"maxUploadBytes"`
	// BackupRetentionCount is how many backups are kept per tree.
	BackupRetentionCount int `json:"backupRetentionCount"`
	// AutoSaveDelayMS is the debounce window advertised to clients.
	AutoSaveDelayMS int `json:"autoSaveDelayMs"`
	// MaxRetries bounds client-side autosave retries.
	MaxRetries int `json:"maxRetries"`
	// RetryDelayMS is the fixed delay between autosave retries.
	RetryDelayMS int             `json:"retryDelayMs"`
	RateLimit    RateLimitConfig `json:"rateLimit"`
}

// DefaultServerConfig returns the built-in defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxUploadBytes:       5 << 20,
		BackupRetentionCount: 10,
		AutoSaveDelayMS:      2000,
		MaxRetries:           3,
		RetryDelayMS:         5000,
		RateLimit: RateLimitConfig{
			Requests:      120,
			WindowSeconds: 60,
			Burst:         20,
		},
	}
}

// LoadServerConfig loads dataDir/server_config.json, creating it with
// defaults when missing.
func LoadServerConfig(dataDir string) (*ServerConfig, error) {
	path := filepath.Join(dataDir, "server_config.json")

	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read server_config.json: %w", err)
		}
		// File doesn't exist, will create with defaults below.
	} else {
		if err2 := json.Unmarshal(data, &cfg); err2 != nil {
			return nil, fmt.Errorf("failed to parse server_config.json: %w", err2)
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server_config.json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to dataDir/server_config.json.
func (c *ServerConfig) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dataDir, "server_config.json"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write server_config.json: %w", err)
	}
	return nil
}

// Validate checks that every tunable is usable.
func (c *ServerConfig) Validate() error {
	if c.MaxUploadBytes <= 0 {
		return errors.New("maxUploadBytes must be positive")
	}
	if c.BackupRetentionCount < 1 {
		return errors.New("backupRetentionCount must be at least 1")
	}
	if c.AutoSaveDelayMS <= 0 {
		return errors.New("autoSaveDelayMs must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("maxRetries cannot be negative")
	}
	if c.RetryDelayMS <= 0 {
		return errors.New("retryDelayMs must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowSeconds <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rateLimit requests, windowSeconds and burst must be positive")
	}
	return nil
}
