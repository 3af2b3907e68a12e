// Package risk implements weighted risk scoring for payment transactions.
//
// Each transaction is evaluated against five weighted factors: amount tier,
// payment-method risk, time of day, customer history, and request frequency
// from the originating address. Factor scores range 0–100; the aggregate is
// the weighted mean. Transactions at or above the critical threshold are
// blocked before any gateway is contacted.
package risk

import (
	"context"
	"time"
)

// Level represents the derived risk level of a transaction.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score thresholds for risk levels.
const (
	CriticalThreshold = 80.0
	HighThreshold     = 60.0
	MediumThreshold   = 40.0
)

// neutralScore is used for factors whose context signal is missing.
const neutralScore = 50.0

// Factor is one weighted component of an assessment.
type Factor struct {
	Name      string  `json:"name"`
	Weight    float64 `json:"weight"`
	Score     float64 `json:"score"` // 0–100
	Rationale string  `json:"rationale"`
}

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	ID              string    `json:"id"`
	TransactionID   string    `json:"transactionId"`
	Factors         []Factor  `json:"factors"`
	Score           float64   `json:"score"` // weighted mean, 0–100
	Level           Level     `json:"level"`
	Blocked         bool      `json:"blocked"`
	ManualReview    bool      `json:"manualReview"`
	FraudIndicators []string  `json:"fraudIndicators,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	EvaluatedAt     time.Time `json:"evaluatedAt"`
}

// TransactionContext carries the transaction data and contextual signals
// needed to score it. Optional signals left at their zero value fall back
// to a neutral mid-range factor score.
type TransactionContext struct {
	TransactionID string
	TenantID      string
	CustomerID    string
	Amount        float64
	Currency      string
	Method        string

	// Optional context signals.
	SourceIP     string
	At           time.Time // zero = signal missing
	KnownCustomer bool     // placeholder until customer history lands
}

// Store persists assessments for audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error)
}
