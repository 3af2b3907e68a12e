// Package registry holds configuration and live health state for payment
// gateways.
//
// Gateway definitions are externally supplied and hot-reloadable; the
// registry overlays them with rolling performance statistics gathered after
// every transaction attempt.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Errors
var (
	ErrGatewayNotFound = errors.New("registry: gateway not found")
)

// HealthStatus describes a gateway's operational state.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health floors. A gateway needs at least minSamples attempts before its
// success rate can demote it.
const (
	UnhealthyFloor = 0.50
	DegradedFloor  = 0.85
	minSamples     = 10

	// maxSamples caps the moving average window: when reached, both
	// counters are halved so recent outcomes dominate.
	maxSamples = 200

	// latencySmoothing is the EMA coefficient for average latency.
	latencySmoothing = 0.2

	// staleAfter is how long a gateway may go without a health check
	// before it is demoted from healthy to degraded.
	staleAfter = 5 * time.Minute
)

// Gateway is one configured payment gateway plus its live statistics.
type Gateway struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenantId"` // empty = available to all tenants
	Provider   string   `json:"provider"`
	Active     bool     `json:"active"`
	Priority   int      `json:"priority"`
	Methods    []string `json:"methods"`
	Currencies []string `json:"currencies"`
	MinAmount  float64  `json:"minAmount"`
	MaxAmount  float64  `json:"maxAmount"`
	FeeRate    float64  `json:"feeRate"` // fraction of amount, e.g. 0.029

	// Live state, owned by the registry.
	SuccessRate float64       `json:"successRate"`
	AvgLatency  time.Duration `json:"avgLatency"`
	Health      HealthStatus  `json:"health"`
	LastCheck   time.Time     `json:"lastCheck"`
	SampleCount int           `json:"sampleCount"`

	successCount float64
	sampleTotal  float64
}

// SupportsMethod reports whether the gateway accepts a payment method.
func (g *Gateway) SupportsMethod(method string) bool {
	for _, m := range g.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// SupportsCurrency reports whether the gateway accepts a currency.
func (g *Gateway) SupportsCurrency(code string) bool {
	for _, c := range g.Currencies {
		if c == code {
			return true
		}
	}
	return false
}

// ServesTenant reports whether the gateway is available to a tenant.
func (g *Gateway) ServesTenant(tenant string) bool {
	return g.TenantID == "" || g.TenantID == tenant
}

// Fee returns the processing fee for an amount.
func (g *Gateway) Fee(amount float64) float64 {
	return amount * g.FeeRate
}

// Registry is the authoritative in-memory view of configured gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		gateways: make(map[string]*Gateway),
		now:      time.Now,
	}
}

// Upsert adds or replaces a gateway definition. Live statistics of an
// existing entry survive the reload; only configuration is replaced.
func (r *Registry) Upsert(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.gateways[g.ID]; ok {
		g.SuccessRate = existing.SuccessRate
		g.AvgLatency = existing.AvgLatency
		g.Health = existing.Health
		g.LastCheck = existing.LastCheck
		g.SampleCount = existing.SampleCount
		g.successCount = existing.successCount
		g.sampleTotal = existing.sampleTotal
	} else {
		// New gateways start healthy with a perfect score until samples arrive.
		g.SuccessRate = 1.0
		g.Health = HealthHealthy
		g.LastCheck = r.now()
	}
	cp := g
	r.gateways[g.ID] = &cp
}

// Remove deletes a gateway definition.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gateways, id)
}

// Get returns a copy of one gateway.
func (r *Registry) Get(id string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gateways[id]
	if !ok {
		return Gateway{}, ErrGatewayNotFound
	}
	return *g, nil
}

// Snapshot returns copies of all gateways ordered by descending priority.
// Routing works against this snapshot without holding registry locks.
func (r *Registry) Snapshot() []Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecordOutcome folds one transaction attempt into the gateway's rolling
// statistics and re-evaluates its health.
func (r *Registry) RecordOutcome(id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[id]
	if !ok {
		return ErrGatewayNotFound
	}

	g.sampleTotal++
	if success {
		g.successCount++
	}
	// Halve both counters at the cap so the average tracks recent traffic.
	if g.sampleTotal >= maxSamples {
		g.sampleTotal /= 2
		g.successCount /= 2
	}
	g.SampleCount = int(g.sampleTotal)
	g.SuccessRate = g.successCount / g.sampleTotal

	if latency > 0 {
		if g.AvgLatency == 0 {
			g.AvgLatency = latency
		} else {
			g.AvgLatency = time.Duration(float64(g.AvgLatency)*(1-latencySmoothing) + float64(latency)*latencySmoothing)
		}
	}

	g.LastCheck = r.now()
	r.evaluateHealthLocked(g)
	return nil
}

// HealthSweep re-evaluates every gateway's health and refreshes stale
// entries. Intended to be driven by a periodic timer.
func (r *Registry) HealthSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range r.gateways {
		r.evaluateHealthLocked(g)
	}
}

// evaluateHealthLocked applies the health floors. Caller must hold r.mu.
func (r *Registry) evaluateHealthLocked(g *Gateway) {
	if g.sampleTotal >= minSamples {
		switch {
		case g.SuccessRate < UnhealthyFloor:
			g.Health = HealthUnhealthy
			return
		case g.SuccessRate < DegradedFloor:
			g.Health = HealthDegraded
			return
		}
	}

	// Healthy requires a recent check.
	if r.now().Sub(g.LastCheck) > staleAfter {
		g.Health = HealthDegraded
		return
	}
	g.Health = HealthHealthy
}
