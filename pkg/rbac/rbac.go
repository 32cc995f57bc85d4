// Package rbac evaluates role-based permissions with optional
// field-level conditions. Decisions are cached per (role, resource,
// action, context) with a short TTL; any role mutation clears the
// cache so stale grants never outlive a policy change.
package rbac

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lockclaw/lockclaw/pkg/errs"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpIn  Operator = "in"
)

// Resource names used across the platform.
const (
	ResourceTasks        = "tasks"
	ResourceSwarms       = "swarms"
	ResourceAgents       = "agents"
	ResourceIntegrations = "integrations"
	ResourceAudit        = "audit"
	ResourceMetrics      = "metrics"
	ResourceSecurity     = "security"
	ResourceConfig       = "config"
	ResourceRoles        = "roles"
)

// UserPlaceholder in a condition value resolves to the acting user id
// at evaluation time, enabling owner-only permissions.
const UserPlaceholder = "${userId}"

// Condition restricts a permission to contexts where the field
// comparison holds.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Permission grants an action on a resource, optionally conditioned.
// Resource and Action may be "*".
type Permission struct {
	Resource   string      `json:"resource"`
	Action     string      `json:"action"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Ref names a permission a caller must hold.
type Ref struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

func (r Ref) String() string {
	return r.Resource + ":" + r.Action
}

// Request is one permission check.
type Request struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context,omitempty"`
}

// Decision is the result of a permission check.
type Decision struct {
	Granted bool        `json:"granted"`
	Reason  string      `json:"reason,omitempty"`
	Matched *Permission `json:"matchedPermission,omitempty"`
}

// Engine holds the role store and the decision cache.
type Engine struct {
	mu    sync.RWMutex
	roles map[string][]Permission
	cache *decisionCache
}

// NewEngine builds an engine with the given roles. Pass SeedRoles()
// for the platform defaults.
func NewEngine(roles map[string][]Permission) *Engine {
	e := &Engine{
		roles: make(map[string][]Permission, len(roles)),
		cache: newDecisionCache(),
	}
	for name, perms := range roles {
		e.roles[name] = clonePermissions(perms)
	}
	return e
}

// SetRole adds or replaces a role and clears the decision cache.
func (e *Engine) SetRole(name string, perms []Permission) {
	e.mu.Lock()
	e.roles[name] = clonePermissions(perms)
	e.mu.Unlock()

	e.cache.clear()
}

// DeleteRole removes a role and clears the decision cache.
func (e *Engine) DeleteRole(name string) {
	e.mu.Lock()
	delete(e.roles, name)
	e.mu.Unlock()

	e.cache.clear()
}

// Role returns a copy of the role's permissions.
func (e *Engine) Role(name string) ([]Permission, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	perms, ok := e.roles[name]
	if !ok {
		return nil, false
	}
	return clonePermissions(perms), true
}

// Roles lists the known role names.
func (e *Engine) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.roles))
	for name := range e.roles {
		names = append(names, name)
	}
	return names
}

// CheckPermission evaluates the request against the role. The userID
// resolves ${userId} placeholders in condition values.
func (e *Engine) CheckPermission(role string, req Request, userID string) Decision {
	key := cacheKey(role, req, userID)
	if d, ok := e.cache.get(key); ok {
		return d
	}

	d := e.evaluate(role, req, userID)
	e.cache.put(key, d)
	return d
}

// RequirePermission returns a PERMISSION_DENIED error when the check
// fails.
func (e *Engine) RequirePermission(role string, req Request, userID string) error {
	d := e.CheckPermission(role, req, userID)
	if d.Granted {
		return nil
	}

	reason := d.Reason
	if reason == "" {
		reason = "not permitted"
	}
	return errs.New(errs.CodePermissionDenied,
		fmt.Sprintf("permission denied for %s:%s: %s", req.Resource, req.Action, reason))
}

func (e *Engine) evaluate(role string, req Request, userID string) Decision {
	e.mu.RLock()
	perms, ok := e.roles[role]
	e.mu.RUnlock()

	if !ok {
		return Decision{Granted: false, Reason: fmt.Sprintf("unknown role %q", role)}
	}

	var condFailure string
	for i := range perms {
		p := perms[i]
		if !matchesPattern(p.Resource, req.Resource) || !matchesPattern(p.Action, req.Action) {
			continue
		}

		if failed := evalConditions(p.Conditions, req.Context, userID); failed != "" {
			condFailure = failed
			continue
		}

		matched := p
		return Decision{Granted: true, Matched: &matched}
	}

	if condFailure != "" {
		return Decision{Granted: false, Reason: condFailure}
	}
	return Decision{
		Granted: false,
		Reason:  fmt.Sprintf("role %q has no permission for %s:%s", role, req.Resource, req.Action),
	}
}

func matchesPattern(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// evalConditions returns "" when every condition holds, otherwise a
// description of the first failure.
func evalConditions(conds []Condition, ctx map[string]any, userID string) string {
	for _, c := range conds {
		fieldVal, ok := lookupField(ctx, c.Field)
		if !ok {
			return fmt.Sprintf("condition field %q absent from context", c.Field)
		}

		want := c.Value
		if s, isStr := want.(string); isStr && s == UserPlaceholder {
			want = userID
		}

		if !compare(c.Operator, fieldVal, want) {
			return fmt.Sprintf("condition %s %s failed", c.Field, c.Operator)
		}
	}
	return ""
}

// lookupField resolves a dotted path in the context map.
func lookupField(ctx map[string]any, path string) (any, bool) {
	if ctx == nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current any = ctx
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(op Operator, have, want any) bool {
	switch op {
	case OpEq:
		return valuesEqual(have, want)
	case OpNeq:
		return !valuesEqual(have, want)
	case OpLt, OpLte, OpGt, OpGte:
		a, okA := toFloat(have)
		b, okB := toFloat(want)
		if !okA || !okB {
			return false
		}
		switch op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		list, ok := toSlice(want)
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(have, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, okB := toFloat(b); okB {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}

func clonePermissions(perms []Permission) []Permission {
	out := make([]Permission, len(perms))
	for i, p := range perms {
		out[i] = Permission{Resource: p.Resource, Action: p.Action}
		if len(p.Conditions) > 0 {
			out[i].Conditions = append([]Condition(nil), p.Conditions...)
		}
	}
	return out
}
