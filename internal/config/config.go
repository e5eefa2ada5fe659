package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models draftgate.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowDevLogin          bool   `yaml:"allow_dev_login"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	// EntityTypes seeds workflow_configs rows on startup. Runtime upserts
	// through the API take precedence over this file.
	EntityTypes map[string]EntityTypeConfig `yaml:"entity_types"`
	Webhooks    []WebhookConfig             `yaml:"webhooks"`
}

type EntityTypeConfig struct {
	RequiresApproval    *bool    `yaml:"requires_approval"`
	AutoApproveForRoles []string `yaml:"auto_approve_for_roles"`
	MinApprovers        int      `yaml:"min_approvers"`
	NotifyOnSubmit      bool     `yaml:"notify_on_submit"`
	NotifyOnComplete    bool     `yaml:"notify_on_complete"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

const fileName = "draftgate.yml"

// Path returns the config file path inside the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".draftgate", fileName)
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Logging.Level = "info"
	cfg.EntityTypes = map[string]EntityTypeConfig{
		"content": {},
	}
	return cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	for entityType, et := range c.EntityTypes {
		if entityType == "" {
			return fmt.Errorf("config.entity_types contains empty entity type")
		}
		if et.MinApprovers < 0 {
			return fmt.Errorf("entity type %s has negative min_approvers", entityType)
		}
		for _, role := range et.AutoApproveForRoles {
			if role == "" {
				return fmt.Errorf("entity type %s has empty auto-approve role", entityType)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}
