// Package config loads the waclaw configuration: a JSON file under the data
// directory with WACLAW_* environment overrides applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type AgentConfig struct {
	Provider     string `json:"provider" env:"WACLAW_AGENT_PROVIDER"` // "anthropic" | "openai"
	Model        string `json:"model" env:"WACLAW_AGENT_MODEL"`
	APIKey       string `json:"api_key" env:"WACLAW_AGENT_API_KEY"`
	BaseURL      string `json:"base_url" env:"WACLAW_AGENT_BASE_URL"`
	SystemPrompt string `json:"system_prompt" env:"WACLAW_AGENT_SYSTEM_PROMPT"`
	MaxTokens    int    `json:"max_tokens" env:"WACLAW_AGENT_MAX_TOKENS"`
}

type WhatsAppConfig struct {
	// AuthDir holds the whatsmeow session database and its backup.
	AuthDir string `json:"auth_dir" env:"WACLAW_WHATSAPP_AUTH_DIR"`
}

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`

	// StorePath is the JSON policy store (allowlist, pairings, groups).
	StorePath string `json:"store_path" env:"WACLAW_STORE_PATH"`

	LogLevel string `json:"log_level" env:"WACLAW_LOG_LEVEL"`

	// MaxMediaBytes caps inbound attachments by their advertised file size;
	// larger ones are treated as no-media.
	MaxMediaBytes int64 `json:"max_media_bytes" env:"WACLAW_MAX_MEDIA_BYTES"`
}

// DefaultDir returns ~/.waclaw, falling back to the working directory when
// the home directory cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waclaw"
	}
	return filepath.Join(home, ".waclaw")
}

func defaults() Config {
	dir := DefaultDir()
	return Config{
		Agent: AgentConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		WhatsApp:      WhatsAppConfig{AuthDir: filepath.Join(dir, "whatsapp")},
		StorePath:     filepath.Join(dir, "store.json"),
		LogLevel:      "info",
		MaxMediaBytes: 20 * 1024 * 1024,
	}
}

// Load reads the config file at path (missing file is fine) and applies
// environment overrides. An empty path means <default dir>/config.json.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = filepath.Join(DefaultDir(), "config.json")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}
