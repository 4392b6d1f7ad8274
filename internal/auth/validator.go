package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// DefaultClockSkew tolerates small clock drift between the IDP and us.
const DefaultClockSkew = 60 * time.Second

// DefaultAllowedAlgorithms is the asymmetric-only allow-list applied when an
// IDP does not configure its own. HMAC and "none" are rejected regardless.
var DefaultAllowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384",
}

// IDP is one trusted identity provider. Immutable after orchestrator build.
type IDP struct {
	Name              string
	Issuer            string
	JWKSURI           string
	Audience          string
	AllowedAlgorithms []string
	ClockSkew         time.Duration
	MaxTokenAge       time.Duration // zero means unset
}

// Validator validates compact JWTs issued by a single IDP.
type Validator struct {
	idp     IDP
	allowed map[string]bool
	jwks    *jwksCache
	now     func() time.Time
}

// NewValidator builds a validator for one trusted IDP. httpClient may be nil
// to use a default 5s-timeout client for JWKS fetches.
func NewValidator(idp IDP, httpClient *http.Client) *Validator {
	if idp.ClockSkew <= 0 {
		idp.ClockSkew = DefaultClockSkew
	}
	algs := idp.AllowedAlgorithms
	if len(algs) == 0 {
		algs = DefaultAllowedAlgorithms
	}
	allowed := make(map[string]bool, len(algs))
	for _, a := range algs {
		allowed[a] = true
	}
	return &Validator{
		idp:     idp,
		allowed: allowed,
		jwks:    newJWKSCache(idp.JWKSURI, DefaultJWKSTTL, httpClient),
		now:     time.Now,
	}
}

// IDP returns the provider this validator was built for.
func (v *Validator) IDP() IDP { return v.idp }

// Ready reports whether the JWKS has been fetched at least once.
func (v *Validator) Ready() bool { return v.jwks.Ready() }

// WarmUp pre-fetches the JWKS so the first request does not pay the fetch.
func (v *Validator) WarmUp(ctx context.Context) error {
	return v.jwks.refresh(ctx)
}

// Validate checks signature, issuer, audience, time claims and algorithm
// discipline, returning normalized Claims on success.
func (v *Validator) Validate(ctx context.Context, compact string) (*Claims, error) {
	raw := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(compact, raw, func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		// The header is only trusted for kid lookup. Symmetric and unsigned
		// algorithms are rejected before any key resolution happens.
		if _, hmac := t.Method.(*jwt.SigningMethodHMAC); hmac || alg == "none" || !v.allowed[alg] {
			return nil, NewError(KindDisallowedAlgorithm,
				fmt.Sprintf("algorithm %s not permitted", alg), nil)
		}
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Key(ctx, kid)
	})
	if err != nil {
		return nil, asAuthError(err)
	}

	claims, err := v.checkClaims(raw)
	if err != nil {
		return nil, err
	}
	claims.AccessToken = compact
	return claims, nil
}

// checkClaims applies the issuer, audience and time checks with clock skew.
func (v *Validator) checkClaims(raw jwt.MapClaims) (*Claims, error) {
	now := v.now()
	skew := v.idp.ClockSkew

	iss, _ := raw.GetIssuer()
	if iss != v.idp.Issuer {
		return nil, NewError(KindUnknownIssuer, "issuer mismatch", nil)
	}

	aud, _ := raw.GetAudience()
	claims := &Claims{
		Issuer:   iss,
		Audience: []string(aud),
		Raw:      map[string]any(raw),
	}
	if !claims.HasAudience(v.idp.Audience) {
		return nil, NewError(KindInvalidAudience, "audience mismatch", nil)
	}

	exp, err := raw.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, NewError(KindInvalidToken, "missing exp claim", err)
	}
	if now.After(exp.Time.Add(skew)) {
		return nil, NewError(KindExpired, "token expired", nil)
	}
	claims.ExpiresAt = exp.Time

	if nbf, _ := raw.GetNotBefore(); nbf != nil {
		if now.Before(nbf.Time.Add(-skew)) {
			return nil, NewError(KindNotYetValid, "token not yet valid", nil)
		}
		claims.NotBefore = nbf.Time
	}

	if iat, _ := raw.GetIssuedAt(); iat != nil {
		claims.IssuedAt = iat.Time
		if v.idp.MaxTokenAge > 0 && now.After(iat.Time.Add(v.idp.MaxTokenAge)) {
			return nil, NewError(KindExpired, "token exceeds max age", nil)
		}
	}

	claims.Subject, _ = raw.GetSubject()
	if jti, ok := raw["jti"].(string); ok {
		claims.ID = jti
	}
	return claims, nil
}

// asAuthError maps golang-jwt parse failures onto our error kinds. Keyfunc
// errors already carry a kind and pass through unchanged.
func asAuthError(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return NewError(KindInvalidToken, "malformed token", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return NewError(KindInvalidSignature, "signature verification failed", err)
	default:
		return NewError(KindInvalidToken, "token validation failed", err)
	}
}

// Dispatcher selects the per-IDP validator by the token's iss claim before
// any signature or network work happens.
type Dispatcher struct {
	byIssuer map[string]*Validator
}

// NewDispatcher indexes validators by issuer.
func NewDispatcher(validators ...*Validator) *Dispatcher {
	d := &Dispatcher{byIssuer: make(map[string]*Validator, len(validators))}
	for _, v := range validators {
		d.byIssuer[v.idp.Issuer] = v
	}
	return d
}

// Validators returns all registered validators.
func (d *Dispatcher) Validators() []*Validator {
	out := make([]*Validator, 0, len(d.byIssuer))
	for _, v := range d.byIssuer {
		out = append(out, v)
	}
	return out
}

// Validate routes the compact JWT to the validator for its issuer. Unknown
// issuers fail without any network call.
func (d *Dispatcher) Validate(ctx context.Context, compact string) (*Claims, error) {
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(compact, unverified); err != nil {
		return nil, NewError(KindInvalidToken, "malformed token", err)
	}
	iss, err := unverified.GetIssuer()
	if err != nil || iss == "" {
		return nil, NewError(KindInvalidToken, "missing iss claim", err)
	}
	v, ok := d.byIssuer[iss]
	if !ok {
		return nil, NewError(KindUnknownIssuer, "issuer not trusted", nil)
	}
	return v.Validate(ctx, compact)
}

// WarmUp fetches the JWKS for every IDP, returning the first error.
func (d *Dispatcher) WarmUp(ctx context.Context) error {
	for _, v := range d.byIssuer {
		if err := v.WarmUp(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StartBackgroundRetry retries JWKS warm-up with exponential backoff until
// every validator is ready or stop is closed. Failing warm-up must not block
// startup; tokens for not-yet-ready IDPs simply fail until keys arrive.
func (d *Dispatcher) StartBackgroundRetry(stop <-chan struct{}) {
	go func() {
		interval := 5 * time.Second
		const maxInterval = 60 * time.Second
		for {
			pending := 0
			for _, v := range d.byIssuer {
				if v.Ready() {
					continue
				}
				if err := v.WarmUp(context.Background()); err != nil {
					pending++
					log.Warn().Err(err).Str("idp", v.idp.Name).Msg("JWKS warm-up failed, will retry")
				}
			}
			if pending == 0 {
				log.Debug().Msg("all JWKS caches warmed up")
				return
			}
			select {
			case <-time.After(interval):
				if interval *= 2; interval > maxInterval {
					interval = maxInterval
				}
			case <-stop:
				return
			}
		}
	}()
}
