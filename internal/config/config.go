package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models servline.yml.
type Config struct {
	Lifecycle struct {
		MinRejectReasonLength int `yaml:"min_reject_reason_length"`
		MinCancelReasonLength int `yaml:"min_cancel_reason_length"`
	} `yaml:"lifecycle"`
	Server struct {
		BasePath              string `yaml:"base_path"`
		JWTSecret             string `yaml:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header"`
		EnableDevLogin        bool   `yaml:"enable_dev_login"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lifecycle.MinRejectReasonLength < 1 {
		return fmt.Errorf("config.lifecycle.min_reject_reason_length must be >= 1")
	}
	if c.Lifecycle.MinCancelReasonLength < 1 {
		return fmt.Errorf("config.lifecycle.min_cancel_reason_length must be >= 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event filter entry", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "servline.yml")
}

// Default returns the built-in configuration: reject reasons need only be
// non-empty, cancel reasons carry the stricter ten-character minimum.
func Default() *Config {
	var cfg Config
	cfg.Lifecycle.MinRejectReasonLength = 1
	cfg.Lifecycle.MinCancelReasonLength = 10
	cfg.Server.BasePath = "/v1"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// lifecycle minimums fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v1"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
