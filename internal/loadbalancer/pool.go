// Package loadbalancer distributes calls for an internal replicated service
// across its backend instances.
//
// A Pool tracks per-backend health and in-flight connections and selects a
// backend with a configurable strategy. Only healthy backends are eligible.
package loadbalancer

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/dkosta/paycore/internal/metrics"
)

// Errors
var (
	ErrNoBackendAvailable = errors.New("loadbalancer: no backend available")
)

// Strategy names a backend-selection algorithm.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
	Random             Strategy = "random"
)

// Backend is one replica of a load-balanced service.
type Backend struct {
	URL         string        `json:"url"`
	Weight      int           `json:"weight"`
	Healthy     bool          `json:"healthy"`
	InFlight    int           `json:"inFlight"`
	LastCheck   time.Time     `json:"lastCheck"`
	LastLatency time.Duration `json:"lastLatency"`
}

// Pool selects backends for one service.
type Pool struct {
	service  string
	strategy Strategy

	mu       sync.Mutex
	backends []*Backend
	rrIndex  int

	randFloat func() float64
	now       func() time.Time
}

// New creates a pool. Unknown strategies fall back to round-robin.
func New(service string, strategy Strategy, backends []Backend) *Pool {
	p := &Pool{
		service:   service,
		strategy:  strategy,
		randFloat: rand.Float64,
		now:       time.Now,
	}
	p.SetBackends(backends)
	return p
}

// SetBackends replaces the backend list. Live state (health, in-flight
// count, latency) survives for backends whose URL is unchanged, so a config
// reload does not reset connection accounting.
func (p *Pool) SetBackends(backends []Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[string]*Backend, len(p.backends))
	for _, b := range p.backends {
		prev[b.URL] = b
	}

	next := make([]*Backend, 0, len(backends))
	for _, b := range backends {
		cp := b
		if cp.Weight <= 0 {
			cp.Weight = 1
		}
		if old, ok := prev[cp.URL]; ok {
			cp.Healthy = old.Healthy
			cp.InFlight = old.InFlight
			cp.LastCheck = old.LastCheck
			cp.LastLatency = old.LastLatency
		} else {
			cp.Healthy = true
		}
		next = append(next, &cp)
	}
	p.backends = next
}

// Acquire selects a backend and reserves a connection slot. The returned
// release function must be called exactly once on every exit path; it
// decrements the in-flight count and folds the observed latency back in.
func (p *Pool) Acquire() (Backend, func(latency time.Duration), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.healthyLocked()
	if len(healthy) == 0 {
		return Backend{}, nil, ErrNoBackendAvailable
	}

	var chosen *Backend
	switch p.strategy {
	case WeightedRoundRobin:
		chosen = p.pickWeightedLocked(healthy)
	case LeastConnections:
		chosen = pickLeastConnections(healthy)
	case Random:
		chosen = healthy[int(p.randFloat()*float64(len(healthy)))%len(healthy)]
	default:
		chosen = healthy[p.rrIndex%len(healthy)]
		p.rrIndex++
	}

	chosen.InFlight++
	metrics.BackendInFlight.WithLabelValues(p.service, chosen.URL).Inc()

	var once sync.Once
	url := chosen.URL
	release := func(latency time.Duration) {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for _, b := range p.backends {
				if b.URL == url {
					if b.InFlight > 0 {
						b.InFlight--
					}
					if latency > 0 {
						b.LastLatency = latency
					}
					break
				}
			}
			metrics.BackendInFlight.WithLabelValues(p.service, url).Dec()
		})
	}
	return *chosen, release, nil
}

// MarkHealth flips a backend's health flag, typically from a health-check
// sweep or after repeated connection errors.
func (p *Pool) MarkHealth(url string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.backends {
		if b.URL == url {
			b.Healthy = healthy
			b.LastCheck = p.now()
			return
		}
	}
}

// Snapshot returns copies of all backends.
func (p *Pool) Snapshot() []Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Backend, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, *b)
	}
	return out
}

func (p *Pool) healthyLocked() []*Backend {
	var out []*Backend
	for _, b := range p.backends {
		if b.Healthy {
			out = append(out, b)
		}
	}
	return out
}

// pickWeightedLocked draws a uniform value in [0, totalWeight) and walks the
// cumulative weights.
func (p *Pool) pickWeightedLocked(healthy []*Backend) *Backend {
	total := 0
	for _, b := range healthy {
		total += b.Weight
	}
	draw := p.randFloat() * float64(total)
	cum := 0.0
	for _, b := range healthy {
		cum += float64(b.Weight)
		if draw < cum {
			return b
		}
	}
	return healthy[len(healthy)-1]
}

// pickLeastConnections returns the backend with the fewest in-flight
// connections, ties broken by list order.
func pickLeastConnections(healthy []*Backend) *Backend {
	best := healthy[0]
	for _, b := range healthy[1:] {
		if b.InFlight < best.InFlight {
			best = b
		}
	}
	return best
}
