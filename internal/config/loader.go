package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manager hands validated config subtrees to the orchestrator.
type Manager struct {
	cfg *Config
}

// Load reads the file at path (JSON or YAML by extension), applies
// environment overrides and validates the result.
func Load(path string) (*Manager, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvironmentOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// NewManager wraps an already-built config, validating it. Used by tests and
// embedders that construct config programmatically.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Server returns the operational subtree.
func (m *Manager) Server() ServerConfig { return m.cfg.Server }

// Auth returns the validated auth subtree.
func (m *Manager) Auth() AuthConfig { return m.cfg.Auth }

// Delegation returns the validated delegation subtree.
func (m *Manager) Delegation() DelegationConfig { return m.cfg.Delegation }

// TokenExchange returns the top-level exchange block, nil when absent.
func (m *Manager) TokenExchange() *ExchangeConfig { return m.cfg.TokenExchange }

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
		}
	}
	return cfg, nil
}

// applyEnvironmentOverrides lets deployments adjust operational fields
// without editing the file. Secrets for the top-level exchange block may
// come from the environment so they stay out of config files.
func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("TOKENGATE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if realm := os.Getenv("TOKENGATE_REALM"); realm != "" {
		cfg.Server.Realm = realm
	}
	if level := os.Getenv("TOKENGATE_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
	if debug := os.Getenv("TOKENGATE_DEBUG"); debug == "true" || debug == "1" {
		cfg.Server.Debug = true
	}
	if secret := os.Getenv("TOKENGATE_EXCHANGE_CLIENT_SECRET"); secret != "" && cfg.TokenExchange != nil {
		cfg.TokenExchange.ClientSecret = secret
	}
}
