package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for inkfold-agent.
//
// NOTE: Secrets (api keys) never live here; they are read from the separate
// secrets file next to it. Keep both chmod 0600.
type Config struct {
	// DataDir holds the thread database and uploaded attachments.
	// If empty, the agent uses ~/.inkfold-agent/data.
	DataDir string `json:"data_dir,omitempty"`

	AI *AIConfig `json:"ai,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.AI != nil {
		if err := c.AI.Validate(); err != nil {
			return fmt.Errorf("invalid ai config: %w", err)
		}
	}
	return nil
}

// EffectiveDataDir resolves the data directory, defaulting under the user's
// home directory.
func (c *Config) EffectiveDataDir() string {
	if c != nil && strings.TrimSpace(c.DataDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.DataDir))
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "inkfold-agent-data"
	}
	return filepath.Join(home, ".inkfold-agent", "data")
}

// DefaultConfigPath returns the default config path:
//
//	~/.inkfold-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "inkfold-agent.config.json"
	}
	return filepath.Join(home, ".inkfold-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
