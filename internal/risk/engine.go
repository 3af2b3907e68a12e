package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dkosta/paycore/internal/idgen"
	"github.com/dkosta/paycore/internal/metrics"
)

// Factor weights. They need not sum to 1: the aggregate is normalized by
// the total weight.
const (
	weightAmount    = 0.30
	weightMethod    = 0.25
	weightTimeOfDay = 0.15
	weightHistory   = 0.10
	weightFrequency = 0.20
)

// Request-frequency window parameters.
const (
	frequencyWindow  = 10 * time.Minute
	maxWindowEntries = 1000
)

// methodRisk maps payment-method categories to base risk scores.
var methodRisk = map[string]float64{
	"card":          40,
	"bank_transfer": 20,
	"wallet":        30,
	"upi":           25,
	"crypto":        75,
}

// Engine scores transactions. Scoring is pure apart from the per-IP request
// frequency window; blocking is enforced by the caller.
type Engine struct {
	windows sync.Map // sourceIP → *ipWindow
	store   Store
	now     func() time.Time
}

type ipWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewEngine creates a risk scoring engine backed by the given audit store.
// store may be nil; assessments are then not persisted.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Score evaluates a transaction and returns its assessment. It never fails
// on missing optional context: absent signals score neutral.
func (e *Engine) Score(ctx context.Context, tc *TransactionContext) *Assessment {
	factors := []Factor{
		e.amountFactor(tc),
		e.methodFactor(tc),
		e.timeOfDayFactor(tc),
		e.historyFactor(tc),
		e.frequencyFactor(tc),
	}

	var weightedSum, totalWeight float64
	for _, f := range factors {
		weightedSum += f.Score * f.Weight
		totalWeight += f.Weight
	}
	score := 0.0
	if totalWeight > 0 {
		score = weightedSum / totalWeight
	}
	score = math.Round(score*100) / 100

	a := &Assessment{
		ID:            idgen.WithPrefix("risk_"),
		TransactionID: tc.TransactionID,
		Factors:       factors,
		Score:         score,
		EvaluatedAt:   e.now(),
	}

	switch {
	case score >= CriticalThreshold:
		a.Level = LevelCritical
		a.Blocked = true
		a.ManualReview = true
		a.FraudIndicators = append(a.FraudIndicators, "aggregate score above critical threshold")
		a.Recommendations = append(a.Recommendations, "block transaction and flag customer for review")
	case score >= HighThreshold:
		a.Level = LevelHigh
		a.ManualReview = true
		a.Recommendations = append(a.Recommendations, "route to manual review queue")
	case score >= MediumThreshold:
		a.Level = LevelMedium
	default:
		a.Level = LevelLow
	}

	for _, f := range factors {
		if f.Score >= 90 {
			a.FraudIndicators = append(a.FraudIndicators, fmt.Sprintf("%s factor at %.0f", f.Name, f.Score))
		}
	}

	metrics.RiskAssessmentsTotal.WithLabelValues(string(a.Level)).Inc()

	// Persist asynchronously (best-effort audit trail)
	if e.store != nil {
		go func() {
			_ = e.store.Record(context.Background(), a)
		}()
	}

	return a
}

// RecordRequest appends a request timestamp to the originating address's
// frequency window. Call once per inbound payment request.
func (e *Engine) RecordRequest(sourceIP string) {
	if sourceIP == "" {
		return
	}
	w := e.getWindow(sourceIP)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stamps = append(w.stamps, e.now())
	e.pruneLocked(w)
}

func (e *Engine) getWindow(ip string) *ipWindow {
	v, _ := e.windows.LoadOrStore(ip, &ipWindow{})
	return v.(*ipWindow)
}

// pruneLocked drops stamps outside the window and caps size. Caller holds w.mu.
func (e *Engine) pruneLocked(w *ipWindow) {
	cutoff := e.now().Add(-frequencyWindow)
	start := 0
	for start < len(w.stamps) && w.stamps[start].Before(cutoff) {
		start++
	}
	if start > 0 {
		w.stamps = w.stamps[start:]
	}
	if len(w.stamps) > maxWindowEntries {
		w.stamps = w.stamps[len(w.stamps)-maxWindowEntries:]
	}
}

// amountFactor: higher amounts carry higher risk in tiers.
func (e *Engine) amountFactor(tc *TransactionContext) Factor {
	f := Factor{Name: "amount_tier", Weight: weightAmount}
	switch {
	case tc.Amount <= 0:
		f.Score = neutralScore
		f.Rationale = "amount missing or not positive"
	case tc.Amount < 100:
		f.Score = 10
		f.Rationale = "low value"
	case tc.Amount < 1_000:
		f.Score = 30
		f.Rationale = "moderate value"
	case tc.Amount < 10_000:
		f.Score = 60
		f.Rationale = "high value"
	case tc.Amount < 50_000:
		f.Score = 80
		f.Rationale = "very high value"
	default:
		f.Score = 95
		f.Rationale = "exceptional value"
	}
	return f
}

// methodFactor: table lookup by payment-method category.
func (e *Engine) methodFactor(tc *TransactionContext) Factor {
	f := Factor{Name: "payment_method", Weight: weightMethod}
	if s, ok := methodRisk[tc.Method]; ok {
		f.Score = s
		f.Rationale = fmt.Sprintf("base risk for %s", tc.Method)
	} else {
		f.Score = neutralScore
		f.Rationale = "unknown payment method"
	}
	return f
}

// timeOfDayFactor: transactions in the local dead hours score higher.
func (e *Engine) timeOfDayFactor(tc *TransactionContext) Factor {
	f := Factor{Name: "time_of_day", Weight: weightTimeOfDay}
	if tc.At.IsZero() {
		f.Score = neutralScore
		f.Rationale = "timestamp signal missing"
		return f
	}
	hour := tc.At.Hour()
	switch {
	case hour >= 1 && hour < 5:
		f.Score = 75
		f.Rationale = "overnight activity"
	case hour >= 22 || hour < 1:
		f.Score = 55
		f.Rationale = "late-night activity"
	default:
		f.Score = 20
		f.Rationale = "business-hours activity"
	}
	return f
}

// historyFactor: placeholder until customer history is wired to a real
// profile source. Known customers score low, unknown neutral.
func (e *Engine) historyFactor(tc *TransactionContext) Factor {
	f := Factor{Name: "customer_history", Weight: weightHistory}
	if tc.CustomerID == "" {
		f.Score = neutralScore
		f.Rationale = "customer signal missing"
		return f
	}
	if tc.KnownCustomer {
		f.Score = 15
		f.Rationale = "established customer"
	} else {
		f.Score = neutralScore
		f.Rationale = "no history on record"
	}
	return f
}

// frequencyFactor: request rate from the originating address over the
// sliding window.
func (e *Engine) frequencyFactor(tc *TransactionContext) Factor {
	f := Factor{Name: "request_frequency", Weight: weightFrequency}
	if tc.SourceIP == "" {
		f.Score = neutralScore
		f.Rationale = "source address signal missing"
		return f
	}

	w := e.getWindow(tc.SourceIP)
	w.mu.Lock()
	e.pruneLocked(w)
	count := len(w.stamps)
	w.mu.Unlock()

	switch {
	case count <= 3:
		f.Score = 10
		f.Rationale = "normal request rate"
	case count <= 10:
		f.Score = 40
		f.Rationale = "elevated request rate"
	case count <= 30:
		f.Score = 70
		f.Rationale = "high request rate"
	default:
		f.Score = 95
		f.Rationale = "request flood from address"
	}
	return f
}
