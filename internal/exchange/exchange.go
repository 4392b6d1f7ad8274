// Package exchange implements the client side of RFC 8693 token exchange:
// trading a validated subject token for an audience-scoped delegation token
// at the IDP, optionally reading through the encrypted token cache.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/tokencache"
)

// RFC 8693 URNs.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

// DefaultTimeout bounds one exchange round-trip when the caller supplies no
// deadline.
const DefaultTimeout = 10 * time.Second

// auditSource tags every entry emitted by the exchange service.
const auditSource = "auth:token-exchange"

// Config describes one exchange consumer, typically one per delegation
// module.
type Config struct {
	TokenEndpoint   string
	ClientID        string
	ClientSecret    string
	DefaultAudience string
	DefaultScope    string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Request is one exchange invocation. SessionID enables the cache
// read-through; without it every call hits the IDP.
type Request struct {
	SubjectToken string
	Audience     string
	Scope        string
	SessionID    string
}

// Result is a delegation token plus its decoded (unverified) claims. Trust
// in the token is established by the downstream resource's own validation,
// not here.
type Result struct {
	AccessToken string
	Claims      map[string]any
	Scope       string
	ExpiresAt   time.Time
	FromCache   bool
}

// tokenResponse is the RFC 8693 success body.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope,omitempty"`
}

// errorResponse is the OAuth error body returned on non-2xx.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Service performs RFC 8693 exchanges for one consumer.
type Service struct {
	cfg    Config
	client *http.Client
	cache  tokencache.Cache
	audit  audit.Service
	now    func() time.Time
}

// NewService validates the config and builds the service. Plain-HTTP token
// endpoints are rejected here, at construction, not at the first request.
func NewService(cfg Config, cache tokencache.Cache, auditSvc audit.Service) (*Service, error) {
	endpoint, err := url.Parse(cfg.TokenEndpoint)
	if err != nil || endpoint.Host == "" {
		return nil, &Error{Kind: KindConfigInvalid, Description: "token_endpoint is not a valid URL", Err: err}
	}
	if endpoint.Scheme != "https" {
		return nil, &Error{Kind: KindConfigInvalid, Description: "token_endpoint must use https"}
	}
	if cfg.ClientID == "" {
		return nil, &Error{Kind: KindConfigInvalid, Description: "client_id is required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cache == nil {
		cache = tokencache.New(tokencache.Config{}) // no-op
	}
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Service{cfg: cfg, client: client, cache: cache, audit: auditSvc, now: time.Now}, nil
}

// Cache exposes the bound cache so callers can activate sessions and clear
// them on logout.
func (s *Service) Cache() tokencache.Cache { return s.cache }

// Exchange trades the subject token for a delegation token scoped to the
// requested audience, consulting the cache first when a session id is given.
func (s *Service) Exchange(ctx context.Context, req Request) (*Result, error) {
	audience := req.Audience
	if audience == "" {
		audience = s.cfg.DefaultAudience
	}
	scope := req.Scope
	if scope == "" {
		scope = s.cfg.DefaultScope
	}

	if req.SessionID != "" {
		if token, ok := s.cache.Get(req.SessionID, audience, req.SubjectToken); ok {
			claims, exp := decodeToken(token)
			return &Result{AccessToken: token, Claims: claims, ExpiresAt: exp, FromCache: true}, nil
		}
	}

	result, err := s.roundTrip(ctx, req.SubjectToken, audience, scope)
	if err != nil {
		s.audit.Log(audit.Entry{
			Source:  auditSource,
			Action:  "token_exchange",
			Success: false,
			Metadata: map[string]any{
				"audience":   audience,
				"session_id": req.SessionID,
			},
			Error: err.Error(),
		})
		return nil, err
	}

	if req.SessionID != "" {
		s.cache.Put(req.SessionID, audience, req.SubjectToken, result.AccessToken, result.ExpiresAt)
	}

	s.audit.Log(audit.Entry{
		Source:  auditSource,
		Action:  "token_exchange",
		Success: true,
		Metadata: map[string]any{
			"audience":   audience,
			"session_id": req.SessionID,
		},
	})
	return result, nil
}

// roundTrip performs the actual RFC 8693 POST.
func (s *Service) roundTrip(ctx context.Context, subjectToken, audience, scope string) (*Result, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("requested_token_type", tokenTypeAccessToken)
	form.Set("audience", audience)
	if scope != "" {
		form.Set("scope", scope)
	}
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindExchangeFailed, Description: "request construction failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Description: "token endpoint deadline exceeded", Err: err}
		}
		return nil, &Error{Kind: KindExchangeFailed, Description: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindExchangeFailed, Description: "response read failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "" {
			oauthErr.Error = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return nil, &Error{
			Kind:        KindExchangeFailed,
			OAuthError:  oauthErr.Error,
			Description: oauthErr.Description,
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &Error{Kind: KindExchangeFailed, Description: "malformed token response", Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &Error{Kind: KindExchangeFailed, Description: "token response missing access_token"}
	}

	claims, claimExp := decodeToken(tok.AccessToken)
	expiresAt := claimExp
	if tok.ExpiresIn > 0 {
		expiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	log.Ctx(ctx).Debug().
		Str("audience", audience).
		Time("expiresAt", expiresAt).
		Msg("token exchange succeeded")

	return &Result{
		AccessToken: tok.AccessToken,
		Claims:      claims,
		Scope:       tok.Scope,
		ExpiresAt:   expiresAt,
	}, nil
}

// decodeToken inspects the delegation token's claims without verifying it.
// Opaque tokens yield nil claims, which callers must tolerate.
func decodeToken(token string) (map[string]any, time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, time.Time{}
	}
	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.Time
	}
	return map[string]any(claims), exp
}
