package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/delegation"
	"github.com/tokengate/tokengate/internal/delegation/httpmod"
	"github.com/tokengate/tokengate/internal/delegation/sqlmod"
	"github.com/tokengate/tokengate/internal/exchange"
	"github.com/tokengate/tokengate/internal/tokencache"
)

// ModuleFactory builds an uninitialized delegation module for a registry
// name. Modules are selected by the explicit type field in their config
// subtree, never by name conventions.
type ModuleFactory func(name string) delegation.Module

// Option adjusts orchestration.
type Option func(*options)

type options struct {
	factories    map[string]ModuleFactory
	registerer   prometheus.Registerer
	httpClient   *http.Client
	auditSinks   []audit.Sink
	overflow     audit.OverflowFunc
	healthWindow time.Duration
}

// WithModuleFactory registers a factory for a module type, overriding the
// built-ins ("sql", "http-api") when the type matches.
func WithModuleFactory(moduleType string, factory ModuleFactory) Option {
	return func(o *options) { o.factories[moduleType] = factory }
}

// WithRegisterer routes cache metrics to a Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient overrides the outbound client used for JWKS fetches and
// token exchange (test hook).
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithAuditSink fans audit entries out to an extra sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) { o.auditSinks = append(o.auditSinks, sink) }
}

// WithAuditOverflow sets the callback invoked with evicted audit entries.
func WithAuditOverflow(fn audit.OverflowFunc) Option {
	return func(o *options) { o.overflow = fn }
}

// Build assembles the CoreContext from validated config. All wiring errors
// surface here, before the first request: bad module types, invalid exchange
// endpoints and failed module initialization abort startup.
func Build(ctx context.Context, mgr *config.Manager, opts ...Option) (*CoreContext, error) {
	o := &options{
		factories: map[string]ModuleFactory{
			"sql":      func(name string) delegation.Module { return sqlmod.New(name) },
			"http-api": func(name string) delegation.Module { return httpmod.New(name) },
		},
		healthWindow: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	authCfg := mgr.Auth()
	if len(authCfg.TrustedIDPs) == 0 {
		return nil, fmt.Errorf("core: no trusted IDPs configured")
	}

	auditSvc := buildAudit(authCfg.Audit, o)
	authSvc := buildAuth(authCfg, auditSvc, o)
	registry := delegation.NewRegistry(auditSvc)

	cc := &CoreContext{
		AuthService:        authSvc,
		AuditService:       auditSvc,
		DelegationRegistry: registry,
		ConfigManager:      mgr,
		exchanges:          make(map[string]*exchange.Service),
		stopBackground:     make(chan struct{}),
	}

	if topLevel := mgr.TokenExchange(); topLevel != nil {
		svc, err := buildExchange("default", topLevel, auditSvc, cc, o)
		if err != nil {
			return nil, err
		}
		cc.defaultExchange = svc
	}

	delegCfg := mgr.Delegation()
	settings := make(map[string]map[string]any, len(delegCfg.Modules))
	for name, modCfg := range delegCfg.Modules {
		factory, ok := o.factories[modCfg.Type]
		if !ok {
			return nil, fmt.Errorf("core: delegation module %q has unknown type %q", name, modCfg.Type)
		}
		if err := registry.Register(factory(name)); err != nil {
			return nil, err
		}
		settings[name] = modCfg.Settings

		if modCfg.TokenExchange != nil {
			svc, err := buildExchange(name, modCfg.TokenExchange, auditSvc, cc, o)
			if err != nil {
				return nil, fmt.Errorf("core: delegation module %q: %w", name, err)
			}
			cc.exchanges[name] = svc
		}
	}

	if err := registry.InitializeAll(settings); err != nil {
		return nil, err
	}
	registry.SetCore(cc)

	if err := validate(ctx, cc, o); err != nil {
		return nil, err
	}

	// Warm-up is best effort: a cold JWKS cache only delays the first
	// request for its IDP, and the background retry closes the gap.
	if err := authSvc.Dispatcher().WarmUp(ctx); err != nil {
		log.Warn().Err(err).Msg("JWKS warm-up incomplete, starting background retry")
		authSvc.Dispatcher().StartBackgroundRetry(cc.stopBackground)
	}

	return cc, nil
}

func buildAudit(cfg config.AuditConfig, o *options) audit.Service {
	if !cfg.Enabled {
		return audit.NewNop()
	}
	opts := []audit.Option{audit.WithSink(audit.ZerologSink(log.Logger))}
	if cfg.MaxEntries > 0 {
		opts = append(opts, audit.WithMaxEntries(cfg.MaxEntries))
	}
	if o.overflow != nil {
		opts = append(opts, audit.WithOverflow(o.overflow))
	}
	for _, sink := range o.auditSinks {
		opts = append(opts, audit.WithSink(sink))
	}
	return audit.NewMemory(opts...)
}

func buildAuth(cfg config.AuthConfig, auditSvc audit.Service, o *options) *auth.Service {
	validators := make([]*auth.Validator, 0, len(cfg.TrustedIDPs))
	mappers := make(map[string]*auth.RoleMapper, len(cfg.TrustedIDPs))
	for _, idp := range cfg.TrustedIDPs {
		validators = append(validators, auth.NewValidator(auth.IDP{
			Name:              idp.Name,
			Issuer:            idp.Issuer,
			JWKSURI:           idp.JWKSURI,
			Audience:          idp.Audience,
			AllowedAlgorithms: idp.AllowedAlgorithms,
			ClockSkew:         idp.ClockSkew(),
			MaxTokenAge:       idp.MaxTokenAge(),
		}, o.httpClient))
		mappers[idp.Issuer] = auth.NewRoleMapper(toRoleMappings(idp.RoleMappings))
	}
	return auth.NewService(auth.NewDispatcher(validators...), mappers, auth.NewSessionManager(), auditSvc)
}

func toRoleMappings(cfg config.RoleMappingsConfig) auth.RoleMappings {
	custom := make(map[string]auth.RoleDef, len(cfg.Custom))
	for name, def := range cfg.Custom {
		custom[name] = toRoleDef(def)
	}
	return auth.RoleMappings{
		Admin:  toRoleDef(cfg.Admin),
		User:   toRoleDef(cfg.User),
		Guest:  toRoleDef(cfg.Guest),
		Custom: custom,
	}
}

func toRoleDef(cfg config.RoleDefConfig) auth.RoleDef {
	return auth.RoleDef{
		Indicators:  cfg.Indicators,
		Permissions: cfg.Permissions,
		Scopes:      cfg.Scopes,
	}
}

func buildExchange(name string, cfg *config.ExchangeConfig, auditSvc audit.Service, cc *CoreContext, o *options) (*exchange.Service, error) {
	var cache tokencache.Cache
	if cfg.Cache != nil && cfg.Cache.Enabled {
		var reg prometheus.Registerer
		if o.registerer != nil {
			reg = prometheus.WrapRegistererWith(prometheus.Labels{"consumer": name}, o.registerer)
		}
		cache = tokencache.New(tokencache.Config{
			Enabled:              true,
			TTL:                  time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			SessionTimeout:       time.Duration(cfg.Cache.SessionTimeoutSeconds) * time.Second,
			MaxEntriesPerSession: cfg.Cache.MaxEntriesPerSession,
			MaxTotalEntries:      cfg.Cache.MaxTotalEntries,
			Registerer:           reg,
		})
		cc.caches = append(cc.caches, cache)
	}

	return exchange.NewService(exchange.Config{
		TokenEndpoint:   cfg.TokenEndpoint,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		DefaultAudience: cfg.Audience,
		DefaultScope:    cfg.DefaultScope,
		HTTPClient:      o.httpClient,
	}, cache, auditSvc)
}

// validate runs the build-time wiring checks: every field present and every
// module answering its health check. Degraded modules are flagged, not
// fatal; a module that cannot reach its downstream at boot may recover.
func validate(ctx context.Context, cc *CoreContext, o *options) error {
	switch {
	case cc.AuthService == nil:
		return fmt.Errorf("core: auth service missing")
	case cc.AuditService == nil:
		return fmt.Errorf("core: audit service missing")
	case cc.DelegationRegistry == nil:
		return fmt.Errorf("core: delegation registry missing")
	case cc.ConfigManager == nil:
		return fmt.Errorf("core: config manager missing")
	}

	hctx, cancel := context.WithTimeout(ctx, o.healthWindow)
	defer cancel()
	for _, name := range cc.DelegationRegistry.List() {
		m, _ := cc.DelegationRegistry.Get(name)
		if !m.HealthCheck(hctx) {
			log.Warn().Str("module", name).Msg("delegation module degraded at startup")
		}
	}
	return nil
}
