package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validAIConfig() *AIConfig {
	return &AIConfig{
		Providers: []AIProvider{
			{
				ID:   "openai",
				Type: "openai",
				Models: []AIProviderModel{
					{ModelName: "gpt-4o-mini", IsDefault: true},
				},
			},
			{
				ID:      "anthropic",
				Type:    "anthropic",
				BaseURL: "https://api.anthropic.com",
				Models: []AIProviderModel{
					{ModelName: "claude-sonnet"},
				},
			},
		},
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{
		DataDir:   "/tmp/inkfold",
		LogFormat: "text",
		LogLevel:  "debug",
		AI:        validAIConfig(),
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DataDir != cfg.DataDir || got.LogLevel != "debug" {
		t.Fatalf("got=%+v", got)
	}
	if id, ok := got.AI.DefaultModelID(); !ok || id != "openai/gpt-4o-mini" {
		t.Fatalf("default model=%q ok=%v", id, ok)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "invalid log_level"},
		{"no providers", func(c *Config) { c.AI = &AIConfig{} }, "missing providers"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{AI: validAIConfig()}
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestAIConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*AIConfig)
		wantErr string
	}{
		{"missing id", func(c *AIConfig) { c.Providers[0].ID = "" }, "missing id"},
		{"slash in id", func(c *AIConfig) { c.Providers[0].ID = "open/ai" }, "must not contain /"},
		{"duplicate id", func(c *AIConfig) { c.Providers[1].ID = "openai" }, "duplicate id"},
		{"bad type", func(c *AIConfig) { c.Providers[0].Type = "llama" }, "invalid type"},
		{"compatible needs base_url", func(c *AIConfig) { c.Providers[0].Type = "openai_compatible" }, "base_url is required"},
		{"bad scheme", func(c *AIConfig) { c.Providers[0].BaseURL = "ftp://api.example.com" }, "invalid base_url scheme"},
		{"no models", func(c *AIConfig) { c.Providers[0].Models = nil }, "missing models"},
		{"no default", func(c *AIConfig) { c.Providers[0].Models[0].IsDefault = false }, "missing default model"},
		{"two defaults", func(c *AIConfig) { c.Providers[1].Models[0].IsDefault = true }, "multiple default models"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validAIConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestAIConfig_ResolveModelID(t *testing.T) {
	t.Parallel()

	cfg := validAIConfig()
	p, model, ok := cfg.ResolveModelID("anthropic/claude-sonnet")
	if !ok || p.Type != "anthropic" || model != "claude-sonnet" {
		t.Fatalf("provider=%+v model=%q ok=%v", p, model, ok)
	}
	if _, _, ok := cfg.ResolveModelID("anthropic/unknown"); ok {
		t.Fatalf("unknown model should not resolve")
	}
	if _, _, ok := cfg.ResolveModelID("no-slash"); ok {
		t.Fatalf("malformed id should not resolve")
	}
}

func TestSecrets(t *testing.T) {
	t.Parallel()

	// Missing file yields an empty key set.
	s, err := LoadSecrets(filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.KeyFor("openai") != "" {
		t.Fatalf("expected empty key")
	}

	s = &Secrets{ProviderKeys: map[string]string{"openai": " sk-test "}}
	if s.KeyFor("openai") != "sk-test" {
		t.Fatalf("key=%q", s.KeyFor("openai"))
	}
}
