package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/delegation"
)

// staticTransport answers every outbound request with a canned JWKS body, so
// Build's warm-up succeeds without real IDP endpoints.
type staticTransport struct{ body []byte }

func (s staticTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(s.body)),
		Request:    r,
	}, nil
}

func jwksClient(t *testing.T) *http.Client {
	t.Helper()
	body, err := json.Marshal(jose.JSONWebKeySet{})
	require.NoError(t, err)
	return &http.Client{Transport: staticTransport{body: body}}
}

// recorderModule records lifecycle calls.
type recorderModule struct {
	name        string
	initialized map[string]any
}

func (m *recorderModule) Name() string { return m.name }
func (m *recorderModule) Type() string { return "recorder" }

func (m *recorderModule) Initialize(cfg map[string]any) error {
	m.initialized = cfg
	return nil
}

func (m *recorderModule) Delegate(_ context.Context, session *auth.Session, action string, _ map[string]any, _ *delegation.Context) (*delegation.Result, error) {
	return delegation.Success("delegation:"+m.name, session.UserID, action, nil, nil), nil
}

func (m *recorderModule) ValidateAccess(*auth.Session) bool { return true }
func (m *recorderModule) HealthCheck(context.Context) bool  { return true }
func (m *recorderModule) Destroy() error                    { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Auth.TrustedIDPs = []config.IDPConfig{{
		Name:     "primary",
		Issuer:   "https://idp.example",
		JWKSURI:  "https://idp.example/jwks",
		Audience: "https://api.example",
	}}
	cfg.Auth.Audit.Enabled = true
	return cfg
}

func TestBuild_WiresModulesAndExchanges(t *testing.T) {
	cfg := testConfig()
	cfg.Delegation.Modules = map[string]config.ModuleConfig{
		"reporting": {
			Type:     "recorder",
			Settings: map[string]any{"dsn": "postgres://reporting"},
			TokenExchange: &config.ExchangeConfig{
				TokenEndpoint: "https://idp.example/token",
				ClientID:      "tokengate",
				Audience:      "https://db.example",
				Cache:         &config.CacheConfig{Enabled: true},
			},
		},
	}
	mgr, err := config.NewManager(cfg)
	require.NoError(t, err)

	mod := &recorderModule{name: "unset"}
	cc, err := Build(context.Background(), mgr,
		WithHTTPClient(jwksClient(t)),
		WithModuleFactory("recorder", func(name string) delegation.Module {
			mod.name = name
			return mod
		}),
	)
	require.NoError(t, err)
	defer cc.Close()

	assert.NotNil(t, cc.AuthService)
	assert.NotNil(t, cc.AuditService)
	assert.NotNil(t, cc.DelegationRegistry)

	// The factory received the config key as the module name and its settings
	// subtree at initialization.
	assert.Equal(t, "reporting", mod.name)
	assert.Equal(t, "postgres://reporting", mod.initialized["dsn"])
	assert.Equal(t, []string{"reporting"}, cc.DelegationRegistry.List())

	// Per-module exchange is bound; nothing else falls back because there is
	// no top-level default.
	_, ok := cc.TokenExchange("reporting")
	assert.True(t, ok)
	_, ok = cc.TokenExchange("other")
	assert.False(t, ok)

	// The module's cache is live: activation returns a real session id.
	sid := cc.ActivateCacheSession("subject-jwt")
	assert.NotEmpty(t, sid)
	assert.NotEqual(t, "cache-disabled", sid)
	cc.ClearCacheSession(sid)
}

func TestBuild_TopLevelExchangeIsDefault(t *testing.T) {
	cfg := testConfig()
	cfg.TokenExchange = &config.ExchangeConfig{
		TokenEndpoint: "https://idp.example/token",
		ClientID:      "tokengate",
	}
	mgr, err := config.NewManager(cfg)
	require.NoError(t, err)

	cc, err := Build(context.Background(), mgr, WithHTTPClient(jwksClient(t)))
	require.NoError(t, err)
	defer cc.Close()

	svc, ok := cc.TokenExchange("any-module")
	assert.True(t, ok)
	assert.NotNil(t, svc)
}

func TestBuild_UnknownModuleType(t *testing.T) {
	cfg := testConfig()
	cfg.Delegation.Modules = map[string]config.ModuleConfig{
		"mystery": {Type: "warp-drive"},
	}
	mgr, err := config.NewManager(cfg)
	require.NoError(t, err)

	_, err = Build(context.Background(), mgr, WithHTTPClient(jwksClient(t)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp-drive")
}

func TestBuild_InvalidExchangeEndpointFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.TokenExchange = &config.ExchangeConfig{
		TokenEndpoint: "https://idp.example/token",
	}
	mgr, err := config.NewManager(cfg)
	// client_id is missing: the config layer already rejects this tree.
	require.Error(t, err)
	assert.Nil(t, mgr)
}

func TestBuild_AuditDisabledUsesNop(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Audit.Enabled = false
	mgr, err := config.NewManager(cfg)
	require.NoError(t, err)

	cc, err := Build(context.Background(), mgr, WithHTTPClient(jwksClient(t)))
	require.NoError(t, err)
	defer cc.Close()

	cc.AuditService.Log(audit.Entry{Source: "test", Action: "noop"})
	assert.Empty(t, cc.AuditService.Query(audit.Filter{}))
}

func TestBuild_CloseIsIdempotentEnough(t *testing.T) {
	mgr, err := config.NewManager(testConfig())
	require.NoError(t, err)

	cc, err := Build(context.Background(), mgr, WithHTTPClient(jwksClient(t)))
	require.NoError(t, err)

	require.NoError(t, cc.Close())

	// Background channel is nilled out, so a second close does not panic.
	assert.NotPanics(t, func() { _ = cc.Close() })
}
