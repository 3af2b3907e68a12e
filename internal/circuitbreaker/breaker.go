// Package circuitbreaker provides a per-service circuit breaker bank with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: limited requests test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paycore",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by service, from-state, and to-state.",
}, []string{"service", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Thresholds configures a single breaker.
type Thresholds struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	RecoveryTimeout  time.Duration // how long open rejects before probing
}

// DefaultThresholds returns the bank-wide defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

func (t Thresholds) normalized() Thresholds {
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = 5
	}
	if t.SuccessThreshold <= 0 {
		t.SuccessThreshold = 3
	}
	if t.RecoveryTimeout <= 0 {
		t.RecoveryTimeout = 60 * time.Second
	}
	return t
}

// breaker tracks state for one downstream service.
type breaker struct {
	state       State
	thresholds  Thresholds
	failures    int // consecutive failures
	successes   int // consecutive successes
	nextAttempt time.Time

	// lifetime totals for derived statistics
	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
}

// Stats is a read-only snapshot of one breaker.
type Stats struct {
	Service        string    `json:"service"`
	State          string    `json:"state"`
	Failures       int       `json:"consecutiveFailures"`
	Successes      int       `json:"consecutiveSuccesses"`
	NextAttempt    time.Time `json:"nextAttempt,omitempty"`
	TotalCalls     int64     `json:"totalCalls"`
	TotalFailures  int64     `json:"totalFailures"`
	TotalSuccesses int64     `json:"totalSuccesses"`
	FailureRate    float64   `json:"failureRate"`
}

// Bank holds one breaker per downstream service name. Breakers are created
// on first reference with the bank defaults; per-service thresholds can be
// replaced at runtime.
type Bank struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults Thresholds
	now      func() time.Time // injectable clock for tests
}

// NewBank creates a breaker bank with the given default thresholds.
func NewBank(defaults Thresholds) *Bank {
	return &Bank{
		breakers: make(map[string]*breaker),
		defaults: defaults.normalized(),
		now:      time.Now,
	}
}

// Configure replaces the thresholds for one service. Existing counters are
// kept; the new limits apply from the next state evaluation.
func (bk *Bank) Configure(service string, t Thresholds) {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	b := bk.get(service)
	b.thresholds = t.normalized()
}

// CanExecute reports whether a call to the service may proceed.
// In the open state, once the recovery timeout has elapsed the breaker
// transitions to half-open as a side effect of this check and the call is
// permitted as a probe. Callers must not contact the service when this
// returns false.
func (bk *Bank) CanExecute(service string) bool {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	b := bk.get(service)
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !bk.now().Before(b.nextAttempt) {
			bk.transition(b, service, StateHalfOpen)
			b.failures = 0
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call. Resets the consecutive failure
// counter; in half-open, closes the breaker once the success threshold is
// reached.
func (bk *Bank) RecordSuccess(service string) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	b := bk.get(service)
	b.totalCalls++
	b.totalSuccesses++
	b.failures = 0
	b.successes++

	if b.state == StateHalfOpen && b.successes >= b.thresholds.SuccessThreshold {
		bk.transition(b, service, StateClosed)
		b.successes = 0
	}
}

// RecordFailure records a failed call. Resets the consecutive success
// counter; opens the breaker from closed at the failure threshold and from
// half-open on any failure.
func (bk *Bank) RecordFailure(service string) {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	b := bk.get(service)
	b.totalCalls++
	b.totalFailures++
	b.successes = 0
	b.failures++

	switch b.state {
	case StateHalfOpen:
		// Probe failed — back to open.
		bk.open(b, service)
	case StateClosed:
		if b.failures >= b.thresholds.FailureThreshold {
			bk.open(b, service)
		}
	}
}

// State returns the current state for a service without side effects.
func (bk *Bank) State(service string) State {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return bk.get(service).state
}

// Stats returns a snapshot of one breaker.
func (bk *Bank) Stats(service string) Stats {
	bk.mu.Lock()
	defer bk.mu.Unlock()

	b := bk.get(service)
	s := Stats{
		Service:        service,
		State:          b.state.String(),
		Failures:       b.failures,
		Successes:      b.successes,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
	}
	if b.state == StateOpen {
		s.NextAttempt = b.nextAttempt
	}
	if b.totalCalls > 0 {
		s.FailureRate = float64(b.totalFailures) / float64(b.totalCalls)
	}
	return s
}

// AllStats returns snapshots for every breaker in the bank.
func (bk *Bank) AllStats() []Stats {
	bk.mu.Lock()
	services := make([]string, 0, len(bk.breakers))
	for name := range bk.breakers {
		services = append(services, name)
	}
	bk.mu.Unlock()

	stats := make([]Stats, 0, len(services))
	for _, name := range services {
		stats = append(stats, bk.Stats(name))
	}
	return stats
}

// get returns or creates the breaker for a service. Caller must hold bk.mu.
func (bk *Bank) get(service string) *breaker {
	b, ok := bk.breakers[service]
	if !ok {
		b = &breaker{state: StateClosed, thresholds: bk.defaults}
		bk.breakers[service] = b
	}
	return b
}

// open trips the breaker and arms the recovery timer. Caller must hold bk.mu.
func (bk *Bank) open(b *breaker, service string) {
	bk.transition(b, service, StateOpen)
	b.nextAttempt = bk.now().Add(b.thresholds.RecoveryTimeout)
	b.failures = 0
	b.successes = 0
}

// transition changes state and records the metric. Caller must hold bk.mu.
func (bk *Bank) transition(b *breaker, service string, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	cbStateTransitions.WithLabelValues(service, from.String(), to.String()).Inc()
}
