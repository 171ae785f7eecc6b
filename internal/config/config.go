package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Auth modes for the status webhook.
const (
	AuthToken         = "token"
	AuthIdentityToken = "identity_token"
	AuthNone          = "none"
)

// Config models planline.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Listen   string `yaml:"listen"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Store struct {
		Workspace string `yaml:"workspace"`
	} `yaml:"store"`
	Auth struct {
		Mode                        string `yaml:"mode"`
		VerificationToken           string `yaml:"verification_token"`
		ExpectedAudience            string `yaml:"expected_audience"`
		ExpectedIssuer              string `yaml:"expected_issuer"`
		ExpectedServiceAccountEmail string `yaml:"expected_service_account_email"`
		Secret                      string `yaml:"secret"`
	} `yaml:"auth"`
	Execution struct {
		Enabled *bool  `yaml:"enabled"`
		URL     string `yaml:"url"`
		Token   string `yaml:"token"`
	} `yaml:"execution"`
}

// ExecutionEnabled defaults to true when unset.
func (c *Config) ExecutionEnabled() bool {
	if c.Execution.Enabled == nil {
		return true
	}
	return *c.Execution.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.Workspace == "" {
		return fmt.Errorf("config.store.workspace is required")
	}
	switch c.Auth.Mode {
	case "", AuthNone:
	case AuthToken:
		if c.Auth.VerificationToken == "" {
			return fmt.Errorf("config.auth.verification_token is required for token mode")
		}
	case AuthIdentityToken:
		if c.Auth.ExpectedAudience == "" {
			return fmt.Errorf("config.auth.expected_audience is required for identity_token mode")
		}
		if c.Auth.Secret == "" {
			return fmt.Errorf("config.auth.secret is required for identity_token mode")
		}
	default:
		return fmt.Errorf("config.auth.mode must be one of token, identity_token, none")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Service.Name = "planline"
	cfg.Service.Listen = ":8080"
	cfg.Service.LogLevel = "info"
	cfg.Store.Workspace = workspace
	cfg.Auth.Mode = AuthNone
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "planline"
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = ":8080"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
