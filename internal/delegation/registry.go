package delegation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
)

// auditSource tags every entry the registry emits. The registry is the only
// component that logs delegation events, so modules never hold an audit
// reference.
const auditSource = "delegation:registry"

// Registry is the named map of delegation modules. Registration happens
// before startup; after InitializeAll the map is effectively read-only and
// dispatch takes only a read lock.
type Registry struct {
	mu          sync.RWMutex
	modules     map[string]Module
	ordering    []string
	initialized map[string]bool
	audit       audit.Service
	core        CoreServices
}

// NewRegistry builds an empty registry logging to the given audit service.
func NewRegistry(auditSvc audit.Service) *Registry {
	if auditSvc == nil {
		auditSvc = audit.NewNop()
	}
	return &Registry{
		modules:     make(map[string]Module),
		initialized: make(map[string]bool),
		audit:       auditSvc,
	}
}

// SetCore binds the core services handed to modules per call. The
// orchestrator calls this once after construction.
func (r *Registry) SetCore(core CoreServices) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core = core
}

// Register adds a module under its name.
func (r *Registry) Register(m Module) error {
	if m == nil || m.Name() == "" {
		return fmt.Errorf("module must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("module %s already registered", m.Name())
	}
	r.modules[m.Name()] = m
	r.ordering = append(r.ordering, m.Name())
	return nil
}

// MustRegister registers or panics, for init-time wiring.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Unregister removes a module without destroying it.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[name]; !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	delete(r.modules, name)
	delete(r.initialized, name)
	for i, n := range r.ordering {
		if n == name {
			r.ordering = append(r.ordering[:i], r.ordering[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns module names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordering))
	copy(out, r.ordering)
	return out
}

// InitializeAll initializes every registered module with its config subtree.
// Modules without a subtree get an empty map.
func (r *Registry) InitializeAll(configs map[string]map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.ordering {
		cfg := configs[name]
		if cfg == nil {
			cfg = map[string]any{}
		}
		if err := r.modules[name].Initialize(cfg); err != nil {
			return fmt.Errorf("initialize module %s: %w", name, err)
		}
		r.initialized[name] = true
		log.Info().Str("module", name).Str("type", r.modules[name].Type()).Msg("delegation module initialized")
	}
	return nil
}

// DestroyAll tears down every module, returning the first error.
func (r *Registry) DestroyAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, name := range r.ordering {
		if err := r.modules[name].Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy module %s: %w", name, err)
		}
		delete(r.initialized, name)
	}
	return firstErr
}

// Delegate routes one call to the named module. Every outcome, including
// "module not found", is audited; the module's own audit trail is forwarded
// verbatim before the result is returned.
func (r *Registry) Delegate(ctx context.Context, moduleName string, session *auth.Session, action string, params map[string]any, sessionID string) (*Result, error) {
	r.mu.RLock()
	m, found := r.modules[moduleName]
	ready := r.initialized[moduleName]
	core := r.core
	r.mu.RUnlock()

	userID := ""
	if session != nil {
		userID = session.UserID
	}
	meta := map[string]any{"module": moduleName, "action": action}

	logFailure := func(reason string) {
		r.audit.Log(audit.Entry{
			Source:   auditSource,
			UserID:   userID,
			Action:   "delegate",
			Success:  false,
			Metadata: meta,
			Error:    reason,
		})
	}

	if !found {
		logFailure("module not found")
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}
	if !ready {
		logFailure("module not initialized")
		return nil, fmt.Errorf("%w: %s", ErrModuleNotReady, moduleName)
	}

	// A rejected session must never reach a module.
	if session == nil || session.Rejected {
		logFailure("session rejected")
		return nil, auth.NewError(auth.KindSessionRejected, "session is rejected", nil)
	}
	if !m.ValidateAccess(session) {
		logFailure("access denied")
		return &Result{Success: false, Err: "access to module denied"}, nil
	}

	result, err := m.Delegate(ctx, session, action, params, &Context{SessionID: sessionID, Core: core})
	if err != nil {
		// Downstream and IDP errors are contained, not raised.
		result = Failure("delegation:"+moduleName, userID, action, err.Error())
	}
	if result == nil {
		result = Failure("delegation:"+moduleName, userID, action, "module returned no result")
	}

	// Forward the module trail first, then record the registry outcome, so
	// the trail is durable before the caller observes the result.
	if result.AuditTrail.Source != "" {
		r.audit.Log(result.AuditTrail)
	}
	r.audit.Log(audit.Entry{
		Source:   auditSource,
		UserID:   userID,
		Action:   "delegate",
		Success:  result.Success,
		Metadata: meta,
		Error:    result.Err,
	})
	return result, nil
}
