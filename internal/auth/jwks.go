package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultJWKSTTL is the ceiling for how long a fetched key set is
	// trusted, regardless of Cache-Control hints.
	DefaultJWKSTTL = 10 * time.Minute

	// DefaultJWKSFetchTimeout bounds a single JWKS round-trip.
	DefaultJWKSFetchTimeout = 5 * time.Second

	// kidRefreshCooldown limits forced refreshes triggered by unknown-kid
	// misses to one per minute per URL.
	kidRefreshCooldown = time.Minute
)

// jwksCache holds the public keys published at one jwks_uri. Concurrent
// misses coalesce into a single fetch via singleflight; readers take the
// RLock on the hot path.
type jwksCache struct {
	uri    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group
	now    func() time.Time

	mu         sync.RWMutex
	keys       map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetchedAt  time.Time
	etag       string
	maxAge     time.Duration // Cache-Control hint, capped at ttl
	lastForced time.Time     // last unknown-kid forced refresh
}

func newJWKSCache(uri string, ttl time.Duration, client *http.Client) *jwksCache {
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultJWKSFetchTimeout}
	}
	return &jwksCache{
		uri:    uri,
		ttl:    ttl,
		client: client,
		now:    time.Now,
		keys:   make(map[string]any),
	}
}

// effectiveTTL honors Cache-Control max-age up to the configured ceiling.
func (c *jwksCache) effectiveTTL() time.Duration {
	if c.maxAge > 0 && c.maxAge < c.ttl {
		return c.maxAge
	}
	return c.ttl
}

// Key resolves a signing key by kid, fetching or refreshing the key set as
// needed. Unknown kids force at most one refresh per cooldown window.
func (c *jwksCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key, haveKey := c.keys[kid]
	fresh := !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.effectiveTTL()
	lastForced := c.lastForced
	c.mu.RUnlock()

	if haveKey && fresh {
		return key, nil
	}

	if fresh && !haveKey {
		// Key set is current but the kid is missing: possible rotation.
		// Refresh once per cooldown, then fail fast.
		if c.now().Sub(lastForced) < kidRefreshCooldown {
			return nil, NewError(KindUnknownKey, fmt.Sprintf("key %q not found", kid), nil)
		}
		c.mu.Lock()
		c.lastForced = c.now()
		c.mu.Unlock()
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, haveKey = c.keys[kid]
	c.mu.RUnlock()
	if !haveKey {
		return nil, NewError(KindUnknownKey, fmt.Sprintf("key %q not found", kid), nil)
	}
	return key, nil
}

// Ready reports whether at least one fetch has succeeded.
func (c *jwksCache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero()
}

// refresh fetches the key set, coalescing concurrent callers.
func (c *jwksCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(c.uri, func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *jwksCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return NewError(KindJWKSUnavailable, "invalid jwks_uri", err)
	}
	c.mu.RLock()
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return NewError(KindJWKSUnavailable, "jwks fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.mu.Lock()
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(KindJWKSUnavailable,
			fmt.Sprintf("jwks endpoint returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewError(KindJWKSUnavailable, "jwks read failed", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return NewError(KindJWKSUnavailable, "jwks parse failed", err)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.etag = resp.Header.Get("ETag")
	c.maxAge = parseMaxAge(resp.Header.Get("Cache-Control"))
	c.mu.Unlock()

	log.Debug().Str("jwksUri", c.uri).Int("keyCount", len(keys)).Msg("refreshed JWKS")
	return nil
}

// parseJWKS decodes a JWKS document, keeping only asymmetric signature keys.
func parseJWKS(body []byte) (map[string]any, error) {
	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, err
	}

	keys := make(map[string]any, len(set.Keys))
	for _, raw := range set.Keys {
		var meta struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if meta.Use != "" && meta.Use != "sig" {
			continue
		}
		if meta.Kty != "RSA" && meta.Kty != "EC" {
			continue
		}

		jwk, err := unmarshalJWK(raw)
		if err != nil {
			log.Warn().Err(err).Str("kid", meta.Kid).Msg("skipping unparseable JWK")
			continue
		}
		switch jwk.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
			keys[meta.Kid] = jwk
		}
	}
	return keys, nil
}

// parseMaxAge extracts max-age from a Cache-Control header, zero if absent.
func parseMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				return 0
			}
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
