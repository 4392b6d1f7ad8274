// Package delegation defines the delegation-module contract and the named
// registry that routes delegate calls. A module's downstream authority comes
// from the delegation token it exchanges for, never from the requestor's
// session claims.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokengate/tokengate/internal/audit"
	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/exchange"
)

// CoreServices is the slice of the core a module may reach during a call.
// Modules must not retain it beyond the call.
type CoreServices interface {
	// TokenExchange returns the exchange service bound to the named module,
	// or the top-level default when no per-module service exists.
	TokenExchange(module string) (*exchange.Service, bool)
}

// Context is the per-call context handed to Module.Delegate.
type Context struct {
	SessionID string
	Core      CoreServices
}

// Result is the outcome of one delegate call. Downstream failures are data
// (Success=false), not raised errors; the registry reserves errors for
// programmer mistakes such as unknown or uninitialized modules.
type Result struct {
	Success    bool
	Data       any
	Err        string
	AuditTrail audit.Entry
}

// Module is one pluggable delegation backend (SQL-like, HTTP-API-like,
// directory-like). Initialize is called once by the registry before any
// Delegate; Destroy releases downstream connections.
type Module interface {
	Name() string
	Type() string
	Initialize(cfg map[string]any) error
	Delegate(ctx context.Context, session *auth.Session, action string, params map[string]any, dctx *Context) (*Result, error)
	ValidateAccess(session *auth.Session) bool
	HealthCheck(ctx context.Context) bool
	Destroy() error
}

// Programmer-error sentinels. These raise out of Delegate instead of being
// folded into a Result.
var (
	ErrModuleNotFound = errors.New("delegation module not found")
	ErrModuleNotReady = errors.New("delegation module not initialized")
)

// Failure builds a failed result with a populated audit trail. Modules use
// it so the registry always has something to forward.
func Failure(source, userID, action, reason string) *Result {
	return &Result{
		Success: false,
		Err:     reason,
		AuditTrail: audit.Entry{
			Source:  source,
			UserID:  userID,
			Action:  action,
			Success: false,
			Error:   reason,
		},
	}
}

// Success builds a successful result with a populated audit trail.
func Success(source, userID, action string, data any, meta map[string]any) *Result {
	return &Result{
		Success: true,
		Data:    data,
		AuditTrail: audit.Entry{
			Source:   source,
			UserID:   userID,
			Action:   action,
			Success:  true,
			Metadata: meta,
		},
	}
}

// RequireScope checks a delegation token's scope claim (space-separated) for
// the required scope. This is the downstream gate: the subject session got
// the caller into the module, the delegation token authorizes the action.
func RequireScope(claims map[string]any, required string) error {
	if required == "" {
		return nil
	}
	scope, _ := claims["scope"].(string)
	for _, s := range strings.Fields(scope) {
		if s == required {
			return nil
		}
	}
	return fmt.Errorf("delegation token missing scope %q", required)
}
