// Package config loads and validates the configuration subtrees consumed by
// the core: trusted IDPs, audit settings, delegation modules and token
// exchange. Files may be JSON or YAML; environment variables override a few
// operational fields. Validation runs at build time so a bad config aborts
// startup, not the first request.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full tree.
type Config struct {
	Server        ServerConfig     `json:"server" yaml:"server"`
	Auth          AuthConfig       `json:"auth" yaml:"auth"`
	Delegation    DelegationConfig `json:"delegation" yaml:"delegation"`
	TokenExchange *ExchangeConfig  `json:"tokenExchange,omitempty" yaml:"tokenExchange,omitempty"`
}

// ServerConfig covers the operational surface of the binary.
type ServerConfig struct {
	Addr      string           `json:"addr" yaml:"addr"`
	Realm     string           `json:"realm" yaml:"realm"`
	LogLevel  string           `json:"logLevel" yaml:"logLevel"`
	Debug     bool             `json:"debug" yaml:"debug"`
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
}

// RateLimitConfig enables per-user request limiting on authenticated routes.
type RateLimitConfig struct {
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	Burst         int `json:"burst" yaml:"burst"`
}

// AuthConfig is the auth subtree.
type AuthConfig struct {
	TrustedIDPs []IDPConfig `json:"trustedIDPs" yaml:"trustedIDPs"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// IDPConfig declares one trusted issuer.
type IDPConfig struct {
	Name               string             `json:"name" yaml:"name"`
	Issuer             string             `json:"issuer" yaml:"issuer"`
	JWKSURI            string             `json:"jwks_uri" yaml:"jwks_uri"`
	Audience           string             `json:"audience" yaml:"audience"`
	AllowedAlgorithms  []string           `json:"allowed_algorithms" yaml:"allowed_algorithms"`
	ClockSkewSeconds   int                `json:"clock_skew_seconds" yaml:"clock_skew_seconds"`
	MaxTokenAgeSeconds int                `json:"max_token_age_seconds" yaml:"max_token_age_seconds"`
	RoleMappings       RoleMappingsConfig `json:"role_mappings" yaml:"role_mappings"`
}

// ClockSkew converts the configured seconds, zero meaning "use default".
func (c IDPConfig) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// MaxTokenAge converts the configured seconds, zero meaning "unset".
func (c IDPConfig) MaxTokenAge() time.Duration {
	return time.Duration(c.MaxTokenAgeSeconds) * time.Second
}

// RoleMappingsConfig maps claim indicators onto roles. Each role accepts
// either a bare indicator list or a {indicators, permissions, scopes}
// object.
type RoleMappingsConfig struct {
	Admin  RoleDefConfig            `json:"admin" yaml:"admin"`
	User   RoleDefConfig            `json:"user" yaml:"user"`
	Guest  RoleDefConfig            `json:"guest" yaml:"guest"`
	Custom map[string]RoleDefConfig `json:"custom" yaml:"custom"`
}

// RoleDefConfig is one role definition.
type RoleDefConfig struct {
	Indicators  []string `json:"indicators" yaml:"indicators"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Scopes      []string `json:"scopes" yaml:"scopes"`
}

// UnmarshalJSON accepts both the shorthand ["indicator", ...] and the full
// object form.
func (r *RoleDefConfig) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		r.Indicators = list
		return nil
	}
	type plain RoleDefConfig
	var full plain
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*r = RoleDefConfig(full)
	return nil
}

// UnmarshalYAML mirrors the JSON shorthand handling.
func (r *RoleDefConfig) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	if err := value.Decode(&list); err == nil {
		r.Indicators = list
		return nil
	}
	type plain RoleDefConfig
	var full plain
	if err := value.Decode(&full); err != nil {
		return err
	}
	*r = RoleDefConfig(full)
	return nil
}

// AuditConfig enables the bounded in-memory audit store.
type AuditConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	MaxEntries int  `json:"max_entries" yaml:"max_entries"`
}

// DelegationConfig is the delegation subtree.
type DelegationConfig struct {
	Modules           map[string]ModuleConfig `json:"modules" yaml:"modules"`
	DefaultToolPrefix string                  `json:"defaultToolPrefix" yaml:"defaultToolPrefix"`
}

// ModuleConfig declares one delegation module: an explicit type, an optional
// per-module token-exchange block, and free-form settings handed to the
// module's Initialize.
type ModuleConfig struct {
	Type          string
	TokenExchange *ExchangeConfig
	Settings      map[string]any
}

func (m *ModuleConfig) fromMap(raw map[string]any) error {
	if t, ok := raw["type"].(string); ok {
		m.Type = t
	}
	if te, ok := raw["tokenExchange"]; ok {
		encoded, err := json.Marshal(te)
		if err != nil {
			return err
		}
		var cfg ExchangeConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return err
		}
		m.TokenExchange = &cfg
	}
	m.Settings = make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "type" || k == "tokenExchange" {
			continue
		}
		m.Settings[k] = v
	}
	return nil
}

func (m *ModuleConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.fromMap(raw)
}

func (m *ModuleConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return m.fromMap(raw)
}

// ExchangeConfig is a tokenExchange block, top-level or per-module.
type ExchangeConfig struct {
	TokenEndpoint string       `json:"token_endpoint" yaml:"token_endpoint"`
	ClientID      string       `json:"client_id" yaml:"client_id"`
	ClientSecret  string       `json:"client_secret" yaml:"client_secret"`
	Audience      string       `json:"audience" yaml:"audience"`
	DefaultScope  string       `json:"default_scope" yaml:"default_scope"`
	Cache         *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// CacheConfig enables the encrypted delegation-token cache. Disabled unless
// Enabled is set explicitly.
type CacheConfig struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	TTLSeconds            int  `json:"ttl_seconds" yaml:"ttl_seconds"`
	SessionTimeoutSeconds int  `json:"session_timeout_seconds" yaml:"session_timeout_seconds"`
	MaxEntriesPerSession  int  `json:"max_entries_per_session" yaml:"max_entries_per_session"`
	MaxTotalEntries       int  `json:"max_total_entries" yaml:"max_total_entries"`
}

// supportedAlgorithms is the full set an IDP may allow. Symmetric and
// unsigned algorithms are absent on purpose.
var supportedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true,
}

// Validate checks the whole tree. HTTPS is mandatory for every outbound URL.
func (c *Config) Validate() error {
	if len(c.Auth.TrustedIDPs) == 0 {
		return ErrNoTrustedIDPs
	}
	seen := make(map[string]bool)
	for _, idp := range c.Auth.TrustedIDPs {
		if idp.Name == "" || idp.Issuer == "" || idp.Audience == "" {
			return fmt.Errorf("trusted IDP %q: name, issuer and audience are required", idp.Name)
		}
		if seen[idp.Name] {
			return fmt.Errorf("trusted IDP %q declared twice", idp.Name)
		}
		seen[idp.Name] = true
		if err := requireHTTPS(idp.JWKSURI); err != nil {
			return fmt.Errorf("trusted IDP %q jwks_uri: %w", idp.Name, err)
		}
		for _, alg := range idp.AllowedAlgorithms {
			if !supportedAlgorithms[alg] {
				return fmt.Errorf("trusted IDP %q: %w: %s", idp.Name, ErrDisallowedAlgorithm, alg)
			}
		}
		if idp.ClockSkewSeconds < 0 {
			return fmt.Errorf("trusted IDP %q: clock_skew_seconds must be non-negative", idp.Name)
		}
	}

	if c.TokenExchange != nil {
		if err := c.TokenExchange.validate(); err != nil {
			return fmt.Errorf("tokenExchange: %w", err)
		}
	}
	for name, mod := range c.Delegation.Modules {
		if mod.Type == "" {
			return fmt.Errorf("delegation module %q: type is required", name)
		}
		if mod.TokenExchange != nil {
			if err := mod.TokenExchange.validate(); err != nil {
				return fmt.Errorf("delegation module %q tokenExchange: %w", name, err)
			}
		}
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if err := requireHTTPS(e.TokenEndpoint); err != nil {
		return fmt.Errorf("token_endpoint: %w", err)
	}
	if e.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	return nil
}

func requireHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q is not a valid URL", ErrInvalidConfigFormat, raw)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrInsecureURL, raw)
	}
	return nil
}

// DefaultConfig returns the baseline the loader starts from.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			Realm:    "tokengate",
			LogLevel: "info",
		},
	}
}
