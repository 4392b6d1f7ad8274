// Package sqlmod is the reference SQL delegation module. It runs read-only
// queries against Postgres under the authority of a delegation token
// exchanged for the module's audience; the requestor's own session never
// authorizes the query.
package sqlmod

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/auth"
	"github.com/tokengate/tokengate/internal/delegation"
	"github.com/tokengate/tokengate/internal/exchange"
)

const moduleType = "sql"

// Module implements delegation.Module over a pgx connection pool.
type Module struct {
	name          string
	pool          *pgxpool.Pool
	audience      string
	requiredScope string // scope the delegation token must carry
	accessScope   string // scope the subject session needs to reach the module
}

// New returns an uninitialized SQL module with the given registry name.
func New(name string) *Module {
	return &Module{name: name}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Type() string { return moduleType }

// Initialize connects the pool. Expected config keys: dsn (required),
// audience, requiredScope, accessScope.
func (m *Module) Initialize(cfg map[string]any) error {
	dsn, _ := cfg["dsn"].(string)
	if dsn == "" {
		return fmt.Errorf("sql module %s: dsn is required", m.name)
	}
	m.audience, _ = cfg["audience"].(string)
	if m.requiredScope, _ = cfg["requiredScope"].(string); m.requiredScope == "" {
		m.requiredScope = "sql:query"
	}
	if m.accessScope, _ = cfg["accessScope"].(string); m.accessScope == "" {
		m.accessScope = "delegation:sql"
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return fmt.Errorf("sql module %s: %w", m.name, err)
	}
	m.pool = pool
	return nil
}

// ValidateAccess gates entry to the module on the subject session. The
// downstream query is authorized by the delegation token inside Delegate.
func (m *Module) ValidateAccess(session *auth.Session) bool {
	return auth.HasRole(session, auth.RoleAdmin) || auth.HasScope(session, m.accessScope)
}

// Delegate supports the "query" action with params {"sql": string,
// "args": []any}. Only SELECT/WITH statements are accepted.
func (m *Module) Delegate(ctx context.Context, session *auth.Session, action string, params map[string]any, dctx *delegation.Context) (*delegation.Result, error) {
	source := "delegation:" + m.name

	if action != "query" {
		return delegation.Failure(source, session.UserID, action, "unsupported action"), nil
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

	sql, _ := params["sql"].(string)
	if !readOnly(sql) {
		return delegation.Failure(source, session.UserID, action, "only read-only statements are allowed"), nil
	}
	args, _ := params["args"].([]any)

	rows, err := m.pool.Query(ctx, sql, args...)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("module", m.name).Msg("delegated query failed")
		return delegation.Failure(source, session.UserID, action, "query failed"), nil
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var results []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return delegation.Failure(source, session.UserID, action, "row scan failed"), nil
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return delegation.Failure(source, session.UserID, action, "query failed"), nil
	}

	meta := map[string]any{"audience": m.audience, "rows": len(results)}
	if legacy, ok := token.Claims["legacy_username"].(string); ok {
		meta["delegated_user"] = legacy
	}
	return delegation.Success(source, session.UserID, action, results, meta), nil
}

// HealthCheck pings the pool.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.pool == nil {
		return false
	}
	return m.pool.Ping(ctx) == nil
}

// Destroy closes the pool.
func (m *Module) Destroy() error {
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	return nil
}

// readOnly accepts SELECT and WITH statements only. This is a guard, not a
// parser; the delegated database role is the real enforcement.
func readOnly(sql string) bool {
	head := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}
