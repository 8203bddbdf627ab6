package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Secrets holds provider api keys, stored separately from config.json so the
// config can be shared or committed without leaking credentials.
type Secrets struct {
	// ProviderKeys maps provider id -> api key.
	ProviderKeys map[string]string `json:"provider_keys,omitempty"`
}

// DefaultSecretsPath returns the default secrets path:
//
//	~/.inkfold-agent/secrets.json
func DefaultSecretsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "inkfold-agent.secrets.json"
	}
	return filepath.Join(home, ".inkfold-agent", "secrets.json")
}

// LoadSecrets reads the secrets file. A missing file is not an error; it
// yields an empty key set.
func LoadSecrets(path string) (*Secrets, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Secrets{}, nil
		}
		return nil, err
	}
	var s Secrets
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// KeyFor returns the api key for a provider id, or "" when absent.
func (s *Secrets) KeyFor(providerID string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.ProviderKeys[strings.TrimSpace(providerID)])
}
