// Package routing selects a payment gateway for a transaction.
//
// Selection works against a registry snapshot: filter to eligible gateways,
// rank by live performance, then let tenant-defined rules override the
// default choice. Rule evaluation is pure; the engine mutates nothing.
package routing

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dkosta/paycore/internal/registry"
)

// Errors
var (
	ErrNoEligibleGateway = errors.New("routing: no eligible gateway")
)

// Condition is one field comparison inside a rule. All conditions of a rule
// must hold for the rule to match.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"` // eq, neq, gt, gte, lt, lte, in, contains
	Value    any    `json:"value"`
}

// Rule is a tenant-defined routing override.
type Rule struct {
	ID                string      `json:"id"`
	TenantID          string      `json:"tenantId"` // empty = applies to all tenants
	Conditions        []Condition `json:"conditions"`
	PreferredGateways []string    `json:"preferredGateways"`
	FallbackGateways  []string    `json:"fallbackGateways"`
	Priority          int         `json:"priority"`
	Active            bool        `json:"active"`
}

// Input is the view of a transaction the engine routes on. Condition fields
// resolve against these values.
type Input struct {
	TenantID   string
	CustomerID string
	Amount     float64
	Currency   string
	Method     string
	RiskScore  float64
	RiskLevel  string
}

// Engine filters, ranks and selects gateways.
type Engine struct {
	registry *registry.Registry

	mu    sync.RWMutex
	rules []Rule
}

// New creates a routing engine over a gateway registry.
func New(reg *registry.Registry) *Engine {
	return &Engine{registry: reg}
}

// SetRules replaces the rule set. Rules are hot-reloadable configuration.
func (e *Engine) SetRules(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Rules returns a copy of the active rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// SelectGateway picks the best gateway for a transaction. Gateways named in
// exclude are skipped, which is how retries avoid previously attempted
// providers. Returns ErrNoEligibleGateway when nothing qualifies.
func (e *Engine) SelectGateway(in Input, exclude map[string]bool) (registry.Gateway, error) {
	eligible := e.Eligible(in, exclude)
	if len(eligible) == 0 {
		return registry.Gateway{}, ErrNoEligibleGateway
	}

	if override, ok := e.ruleOverride(in, eligible); ok {
		return override, nil
	}
	return eligible[0], nil
}

// Eligible returns all gateways that can serve the transaction, best first.
// Ranking is descending success rate, then ascending fee, then ID.
func (e *Engine) Eligible(in Input, exclude map[string]bool) []registry.Gateway {
	var out []registry.Gateway
	for _, g := range e.registry.Snapshot() {
		if exclude[g.ID] {
			continue
		}
		if !g.Active || g.Health == registry.HealthUnhealthy {
			continue
		}
		if in.Amount < g.MinAmount || in.Amount > g.MaxAmount {
			continue
		}
		if !g.SupportsCurrency(in.Currency) || !g.SupportsMethod(in.Method) {
			continue
		}
		if !g.ServesTenant(in.TenantID) {
			continue
		}
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		fi, fj := out[i].Fee(in.Amount), out[j].Fee(in.Amount)
		if fi != fj {
			return fi < fj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ruleOverride evaluates rules highest priority first and returns the first
// preferred gateway that is also eligible. Fallback lists are consulted only
// when no preferred gateway qualifies.
func (e *Engine) ruleOverride(in Input, eligible []registry.Gateway) (registry.Gateway, bool) {
	byID := make(map[string]registry.Gateway, len(eligible))
	for _, g := range eligible {
		byID[g.ID] = g
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !r.Active {
			continue
		}
		if r.TenantID != "" && r.TenantID != in.TenantID {
			continue
		}
		if !r.matches(in) {
			continue
		}
		for _, id := range r.PreferredGateways {
			if g, ok := byID[id]; ok {
				return g, true
			}
		}
		for _, id := range r.FallbackGateways {
			if g, ok := byID[id]; ok {
				return g, true
			}
		}
	}
	return registry.Gateway{}, false
}

func (r Rule) matches(in Input) bool {
	for _, c := range r.Conditions {
		if !c.holds(in) {
			return false
		}
	}
	return len(r.Conditions) > 0
}

func (c Condition) holds(in Input) bool {
	v, ok := fieldValue(in, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case "eq":
		return equal(v, c.Value)
	case "neq":
		return !equal(v, c.Value)
	case "gt", "gte", "lt", "lte":
		a, okA := toFloat(v)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in":
		for _, item := range toSlice(c.Value) {
			if equal(v, item) {
				return true
			}
		}
		return false
	case "contains":
		s, okS := v.(string)
		sub, okSub := c.Value.(string)
		return okS && okSub && strings.Contains(s, sub)
	default:
		return false
	}
}

func fieldValue(in Input, field string) (any, bool) {
	switch field {
	case "tenant_id":
		return in.TenantID, true
	case "customer_id":
		return in.CustomerID, true
	case "amount":
		return in.Amount, true
	case "currency":
		return in.Currency, true
	case "payment_method", "method":
		return in.Method, true
	case "risk_score":
		return in.RiskScore, true
	case "risk_level":
		return in.RiskLevel, true
	default:
		return nil, false
	}
}

func equal(a, b any) bool {
	// Numeric values compare as numbers so JSON-decoded rules (float64)
	// match int condition values and vice versa.
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}
