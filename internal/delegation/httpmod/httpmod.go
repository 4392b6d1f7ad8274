// Package httpmod is the reference HTTP-API delegation module. It forwards
// JSON requests to a downstream service, authenticating with a delegation
// token exchanged for the module's audience.
package httpmod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/delegation"
	"github.com/tokengate/tokengate/internal/exchange"
)

const moduleType = "http-api"

// Module implements delegation.Module over an outbound HTTPS JSON API.
type Module struct {
	name          string
	baseURL       string
	audience      string
	requiredScope string
	accessScope   string
	client        *http.Client
}

// New returns an uninitialized HTTP-API module with the given registry name.
func New(name string) *Module {
	return &Module{name: name}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Type() string { return moduleType }

// Initialize validates the base URL. Expected config keys: baseUrl
// (required, https), audience, requiredScope, accessScope, timeoutSeconds.
func (m *Module) Initialize(cfg map[string]any) error {
	base, _ := cfg["baseUrl"].(string)
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return fmt.Errorf("http module %s: baseUrl is not a valid URL", m.name)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("http module %s: baseUrl must use https", m.name)
	}
	m.baseURL = strings.TrimSuffix(base, "/")
	m.audience, _ = cfg["audience"].(string)
	if m.requiredScope, _ = cfg["requiredScope"].(string); m.requiredScope == "" {
		m.requiredScope = "api:invoke"
	}
	if m.accessScope, _ = cfg["accessScope"].(string); m.accessScope == "" {
		m.accessScope = "delegation:api"
	}

	timeout := 10 * time.Second
	if secs, ok := cfg["timeoutSeconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	m.client = &http.Client{Timeout: timeout}
	return nil
}

// ValidateAccess gates entry on the subject session.
func (m *Module) ValidateAccess(session *auth.Session) bool {
	return auth.HasRole(session, auth.RoleAdmin) || auth.HasScope(session, m.accessScope)
}

// Delegate supports "get" and "post" actions with params {"path": string,
// "body": any}. The delegation token rides as the bearer credential.
func (m *Module) Delegate(ctx context.Context, session *auth.Session, action string, params map[string]any, dctx *delegation.Context) (*delegation.Result, error) {
	source := "delegation:" + m.name

	var method string
	switch action {
	case "get":
		method = http.MethodGet
	case "post":
		method = http.MethodPost
	default:
		return delegation.Failure(source, session.UserID, action, "unsupported action"), nil
	}

	path, _ := params["path"].(string)
	if path == "" || strings.Contains(path, "..") {
		return delegation.Failure(source, session.UserID, action, "invalid path"), nil
	}

	svc, ok := dctx.Core.TokenExchange(m.name)
	if !ok {
		return delegation.Failure(source, session.UserID, action, "no token exchange configured"), nil
	}
	token, err := svc.Exchange(ctx, exchange.Request{
		SubjectToken: session.Claims.AccessToken,
		Audience:     m.audience,
		SessionID:    dctx.SessionID,
	})
	if err != nil {
		return delegation.Failure(source, session.UserID, action, "token exchange failed"), nil
	}
	if err := delegation.RequireScope(token.Claims, m.requiredScope); err != nil {
		return delegation.Failure(source, session.UserID, action, err.Error()), nil
	}

	var body io.Reader
	if raw, ok := params["body"]; ok && method == http.MethodPost {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return delegation.Failure(source, session.UserID, action, "body serialization failed"), nil
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+"/"+strings.TrimPrefix(path, "/"), body)
	if err != nil {
		return delegation.Failure(source, session.UserID, action, "request construction failed"), nil
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("module", m.name).Msg("delegated request failed")
		return delegation.Failure(source, session.UserID, action, "downstream unreachable"), nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return delegation.Failure(source, session.UserID, action, "response read failed"), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return delegation.Failure(source, session.UserID, action,
			fmt.Sprintf("downstream returned %d", resp.StatusCode)), nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		data = string(payload)
	}

	meta := map[string]any{"audience": m.audience, "path": path, "status": resp.StatusCode}
	return delegation.Success(source, session.UserID, action, data, meta), nil
}

// HealthCheck probes the downstream base URL; any response below 500 counts
// as healthy.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Destroy drops the HTTP client so in-flight keep-alives are released.
func (m *Module) Destroy() error {
	if m.client != nil {
		m.client.CloseIdleConnections()
		m.client = nil
	}
	return nil
}
