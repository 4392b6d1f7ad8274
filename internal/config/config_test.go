package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validJSON = `{
  "server": {"addr": ":9090", "realm": "gatehouse"},
  "auth": {
    "trustedIDPs": [{
      "name": "primary",
      "issuer": "https://idp.example",
      "jwks_uri": "https://idp.example/.well-known/jwks.json",
      "audience": "https://api.example",
      "allowed_algorithms": ["RS256", "ES256"],
      "clock_skew_seconds": 30,
      "role_mappings": {
        "admin": {"indicators": ["admins"], "permissions": ["manage:all"]},
        "user": ["employees"],
        "custom": {"auditor": ["audit-team"]}
      }
    }],
    "audit": {"enabled": true, "max_entries": 500}
  },
  "delegation": {
    "modules": {
      "reporting-db": {
        "type": "sql",
        "dsn": "postgres://reporting",
        "tokenExchange": {
          "token_endpoint": "https://idp.example/token",
          "client_id": "tokengate",
          "audience": "https://db.example",
          "cache": {"enabled": true, "ttl_seconds": 120}
        }
      }
    }
  }
}`

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", validJSON)
	mgr, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", mgr.Server().Addr)
	assert.Equal(t, "gatehouse", mgr.Server().Realm)

	authCfg := mgr.Auth()
	require.Len(t, authCfg.TrustedIDPs, 1)
	idp := authCfg.TrustedIDPs[0]
	assert.Equal(t, "https://idp.example", idp.Issuer)
	assert.Equal(t, []string{"RS256", "ES256"}, idp.AllowedAlgorithms)
	assert.Equal(t, 30, idp.ClockSkewSeconds)
	// Shorthand role definitions decode to indicator-only defs.
	assert.Equal(t, []string{"employees"}, idp.RoleMappings.User.Indicators)
	assert.Empty(t, idp.RoleMappings.User.Permissions)
	assert.Equal(t, []string{"manage:all"}, idp.RoleMappings.Admin.Permissions)
	assert.Equal(t, []string{"audit-team"}, idp.RoleMappings.Custom["auditor"].Indicators)

	assert.True(t, authCfg.Audit.Enabled)
	assert.Equal(t, 500, authCfg.Audit.MaxEntries)

	mod, ok := mgr.Delegation().Modules["reporting-db"]
	require.True(t, ok)
	assert.Equal(t, "sql", mod.Type)
	assert.Equal(t, "postgres://reporting", mod.Settings["dsn"])
	_, hasType := mod.Settings["type"]
	assert.False(t, hasType, "type must not leak into module settings")
	require.NotNil(t, mod.TokenExchange)
	assert.Equal(t, "https://idp.example/token", mod.TokenExchange.TokenEndpoint)
	require.NotNil(t, mod.TokenExchange.Cache)
	assert.True(t, mod.TokenExchange.Cache.Enabled)
	assert.Equal(t, 120, mod.TokenExchange.Cache.TTLSeconds)
}

const validYAML = `
server:
  addr: ":7070"
auth:
  trustedIDPs:
    - name: primary
      issuer: https://idp.example
      jwks_uri: https://idp.example/jwks
      audience: https://api.example
      role_mappings:
        admin: [admins]
        user:
          indicators: [employees]
          scopes: [user:read]
`

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	mgr, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", mgr.Server().Addr)
	// Defaults survive partial files.
	assert.Equal(t, "tokengate", mgr.Server().Realm)

	idp := mgr.Auth().TrustedIDPs[0]
	assert.Equal(t, []string{"admins"}, idp.RoleMappings.Admin.Indicators)
	assert.Equal(t, []string{"user:read"}, idp.RoleMappings.User.Scopes)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "config.json", "{not json")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfigFormat)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TOKENGATE_ADDR", ":6060")
	t.Setenv("TOKENGATE_REALM", "override-realm")
	t.Setenv("TOKENGATE_DEBUG", "true")

	path := writeConfig(t, "config.json", validJSON)
	mgr, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":6060", mgr.Server().Addr)
	assert.Equal(t, "override-realm", mgr.Server().Realm)
	assert.True(t, mgr.Server().Debug)
}

func TestValidate_NoIDPs(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrNoTrustedIDPs)
}

func minimalConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.TrustedIDPs = []IDPConfig{{
		Name:     "primary",
		Issuer:   "https://idp.example",
		JWKSURI:  "https://idp.example/jwks",
		Audience: "https://api.example",
	}}
	return cfg
}

func TestValidate_RejectsPlainHTTPJWKS(t *testing.T) {
	cfg := minimalConfig()
	cfg.Auth.TrustedIDPs[0].JWKSURI = "http://idp.example/jwks"
	assert.ErrorIs(t, cfg.Validate(), ErrInsecureURL)
}

func TestValidate_RejectsSymmetricAlgorithms(t *testing.T) {
	cfg := minimalConfig()
	cfg.Auth.TrustedIDPs[0].AllowedAlgorithms = []string{"RS256", "HS256"}
	assert.ErrorIs(t, cfg.Validate(), ErrDisallowedAlgorithm)

	cfg.Auth.TrustedIDPs[0].AllowedAlgorithms = []string{"none"}
	assert.ErrorIs(t, cfg.Validate(), ErrDisallowedAlgorithm)
}

func TestValidate_RejectsDuplicateIDPNames(t *testing.T) {
	cfg := minimalConfig()
	cfg.Auth.TrustedIDPs = append(cfg.Auth.TrustedIDPs, cfg.Auth.TrustedIDPs[0])
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeSkew(t *testing.T) {
	cfg := minimalConfig()
	cfg.Auth.TrustedIDPs[0].ClockSkewSeconds = -1
	assert.Error(t, cfg.Validate())
}

func TestValidate_ExchangeEndpoint(t *testing.T) {
	cfg := minimalConfig()
	cfg.TokenExchange = &ExchangeConfig{TokenEndpoint: "http://idp.example/token", ClientID: "x"}
	assert.ErrorIs(t, cfg.Validate(), ErrInsecureURL)

	cfg.TokenExchange = &ExchangeConfig{TokenEndpoint: "https://idp.example/token"}
	assert.Error(t, cfg.Validate(), "client_id is required")

	cfg.TokenExchange = &ExchangeConfig{TokenEndpoint: "https://idp.example/token", ClientID: "x"}
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ModuleNeedsType(t *testing.T) {
	cfg := minimalConfig()
	cfg.Delegation.Modules = map[string]ModuleConfig{
		"broken": {Settings: map[string]any{"dsn": "x"}},
	}
	assert.Error(t, cfg.Validate())
}
