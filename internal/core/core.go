// Package core assembles the authentication pipeline, token-exchange
// services, token caches and the delegation registry into a single
// injection object the transport consumes.
package core

import (
	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/delegation"
	"github.com/tokengate/tokengate/internal/exchange"
	"github.com/tokengate/tokengate/internal/tokencache"
)

// CoreContext owns the core services. The transport and the tool layer hold
// a shared reference; delegation modules receive it per call and must not
// retain it.
type CoreContext struct {
	AuthService        *auth.Service
	AuditService       audit.Service
	DelegationRegistry *delegation.Registry
	ConfigManager      *config.Manager

	exchanges       map[string]*exchange.Service // keyed by module name
	defaultExchange *exchange.Service
	caches          []tokencache.Cache
	stopBackground  chan struct{}
}

// TokenExchange returns the exchange service bound to the named module,
// falling back to the top-level default. It implements
// delegation.CoreServices.
func (c *CoreContext) TokenExchange(module string) (*exchange.Service, bool) {
	if svc, ok := c.exchanges[module]; ok {
		return svc, true
	}
	if c.defaultExchange != nil {
		return c.defaultExchange, true
	}
	return nil, false
}

// ActivateCacheSession resolves the subject token to a delegation-cache
// session id across every bound cache. Transports call this once per
// authenticated request before dispatching tools.
func (c *CoreContext) ActivateCacheSession(subjectToken string) string {
	sid := ""
	for _, cache := range c.caches {
		sid = cache.Activate(subjectToken)
	}
	return sid
}

// ClearCacheSession drops the session from every bound cache (logout path).
func (c *CoreContext) ClearCacheSession(sessionID string) {
	for _, cache := range c.caches {
		cache.ClearSession(sessionID)
	}
}

// Close stops background work and tears down modules and caches.
func (c *CoreContext) Close() error {
	if c.stopBackground != nil {
		close(c.stopBackground)
		c.stopBackground = nil
	}
	err := c.DelegationRegistry.DestroyAll()
	for _, cache := range c.caches {
		cache.Close()
	}
	return err
}
