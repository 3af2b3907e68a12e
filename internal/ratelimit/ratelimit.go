// Package ratelimit provides fixed-window rate limiting for the payment API.
//
// Limits are defined as rules scoped to endpoint+method with optional tenant
// and IP exemptions. Counters are keyed by (rule, caller, window start) so a
// new window implicitly resets the count; stale windows are swept lazily.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkosta/paycore/internal/metrics"
)

// DefaultRemaining is reported when no rule matches a request.
const DefaultRemaining = 10000

// Rule defines a rate limit for an endpoint/method scope.
type Rule struct {
	ID            string        `json:"id"`
	Endpoint      string        `json:"endpoint"` // route pattern, "*" matches all
	Method        string        `json:"method"`   // "*" matches all
	Window        time.Duration `json:"window"`
	Limit         int           `json:"limit"`
	Priority      int           `json:"priority"` // higher wins
	Active        bool          `json:"active"`
	ExemptTenants []string      `json:"exemptTenants,omitempty"`
	ExemptIPs     []string      `json:"exemptIps,omitempty"`
}

// matches reports whether the rule applies to the request scope.
func (r *Rule) matches(endpoint, method, tenant, ip string) bool {
	if !r.Active {
		return false
	}
	if r.Endpoint != "*" && r.Endpoint != endpoint {
		return false
	}
	if r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	for _, t := range r.ExemptTenants {
		if t == tenant {
			return false
		}
	}
	for _, e := range r.ExemptIPs {
		if e == ip {
			return false
		}
	}
	return true
}

// Scope identifies the caller being limited.
type Scope struct {
	Tenant   string // empty = global scope
	IP       string
	Endpoint string
	Method   string
}

func (s Scope) key() string {
	tenant := s.Tenant
	if tenant == "" {
		tenant = "global"
	}
	return tenant + "|" + s.IP + "|" + s.Endpoint + "|" + s.Method
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	RuleID    string    `json:"ruleId,omitempty"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type windowKey struct {
	rule        string
	scope       string
	windowStart int64 // unix nanos of window start
}

// Limiter evaluates rate limit rules against fixed windows.
type Limiter struct {
	mu       sync.Mutex
	rules    []Rule
	counters map[windowKey]int
	now      func() time.Time
	// sweep bookkeeping
	lastSweep time.Time
}

// New creates a limiter with the given initial rules.
func New(rules []Rule) *Limiter {
	l := &Limiter{
		counters: make(map[windowKey]int),
		now:      time.Now,
	}
	l.SetRules(rules)
	return l
}

// SetRules atomically replaces the rule set (hot reload).
func (l *Limiter) SetRules(rules []Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = make([]Rule, len(rules))
	copy(l.rules, rules)
}

// Rules returns a copy of the active rule set.
func (l *Limiter) Rules() []Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Rule, len(l.rules))
	copy(out, l.rules)
	return out
}

// Check evaluates the highest-priority matching rule for the scope.
// The check-then-increment is a single atomic unit: the counter is only
// incremented on allow, so rejected requests never consume quota.
func (l *Limiter) Check(scope Scope) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule := l.matchLocked(scope)
	if rule == nil {
		// No rule applies: default-allow with a generous remaining count.
		return Result{Allowed: true, Limit: DefaultRemaining, Remaining: DefaultRemaining}
	}

	now := l.now()
	windowStart := now.Truncate(rule.Window)
	key := windowKey{rule: rule.ID, scope: scope.key(), windowStart: windowStart.UnixNano()}
	count := l.counters[key]

	res := Result{
		RuleID:  rule.ID,
		Limit:   rule.Limit,
		ResetAt: windowStart.Add(rule.Window),
	}

	if count >= rule.Limit {
		res.Allowed = false
		res.Remaining = 0
		metrics.RateLimitRejectionsTotal.WithLabelValues(rule.ID).Inc()
		return res
	}

	l.counters[key] = count + 1
	res.Allowed = true
	res.Remaining = rule.Limit - count - 1
	if res.Remaining < 0 {
		res.Remaining = 0
	}

	l.maybeSweepLocked(now)
	return res
}

// matchLocked finds the highest-priority active rule for the scope.
// Caller must hold l.mu.
func (l *Limiter) matchLocked(scope Scope) *Rule {
	var best *Rule
	for i := range l.rules {
		r := &l.rules[i]
		if !r.matches(scope.Endpoint, scope.Method, scope.Tenant, scope.IP) {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	return best
}

// maybeSweepLocked drops counters for windows that ended more than one
// window ago. Runs at most once per minute. Caller must hold l.mu.
func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now

	maxWindow := time.Duration(0)
	for i := range l.rules {
		if l.rules[i].Window > maxWindow {
			maxWindow = l.rules[i].Window
		}
	}
	cutoff := now.Add(-2 * maxWindow).UnixNano()
	for k := range l.counters {
		if k.windowStart < cutoff {
			delete(l.counters, k)
		}
	}
}

// Middleware returns a gin middleware enforcing the limiter per request.
// The tenant is taken from the X-Tenant-ID header when present.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := Scope{
			Tenant:   c.GetHeader("X-Tenant-ID"),
			IP:       c.ClientIP(),
			Endpoint: c.FullPath(),
			Method:   c.Request.Method,
		}

		res := l.Check(scope)
		if !res.Allowed {
			c.Header("Retry-After", res.ResetAt.UTC().Format(http.TimeFormat))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limit_exceeded",
				"message":   "Too many requests. Please slow down.",
				"remaining": 0,
				"resetAt":   res.ResetAt.UTC(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
