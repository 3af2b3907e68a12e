// Package orchestrator coordinates the life of a payment transaction:
// risk scoring, gateway selection, circuit-breaker gating, the outbound
// charge, outcome recording and bounded retry.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/dkosta/paycore/internal/pagination"
)

// Errors
var (
	ErrTransactionNotFound = errors.New("orchestrator: transaction not found")
	ErrValidation          = errors.New("orchestrator: invalid request")
	ErrRetryNotAllowed     = errors.New("orchestrator: transaction not retryable")
	ErrRetryExhausted      = errors.New("orchestrator: retry budget exhausted")
)

// Failure reasons recorded on transactions. Distinguishable reasons drive
// retry eligibility downstream.
const (
	ReasonNoEligibleGateway  = "no eligible gateway"
	ReasonServiceUnavailable = "service unavailable"
	ReasonTimeout            = "timeout"
	ReasonNoAdapter          = "no adapter for provider"
	ReasonRiskBlocked        = "blocked by risk assessment"
)

// Status is a transaction's processing state. Transitions are monotone
// toward a terminal state; only an explicit retry moves a failed
// transaction back to processing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusBlocked
}

// AuditEntry is one append-only line of a transaction's history.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
	Actor  string    `json:"actor"`
}

// Transaction is the authoritative record of one payment attempt chain.
// Mutated only by the orchestrator; webhook updates arrive through
// ApplyGatewayUpdate.
type Transaction struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	CustomerID string `json:"customerId"`
	InvoiceID  string `json:"invoiceId,omitempty"`

	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Method   string  `json:"method"`

	GatewayID       string `json:"gatewayId,omitempty"`
	Provider        string `json:"provider,omitempty"`
	GatewayRef      string `json:"gatewayRef,omitempty"`
	GatewayResponse string `json:"gatewayResponse,omitempty"`

	Status        Status  `json:"status"`
	FailureReason string  `json:"failureReason,omitempty"`
	RetryCount    int     `json:"retryCount"`
	MaxRetries    int     `json:"maxRetries"`
	RiskScore     float64 `json:"riskScore"`
	RiskLevel     string  `json:"riskLevel,omitempty"`

	// AttemptedGateways lists every gateway tried so far; retries exclude
	// them from eligibility.
	AttemptedGateways []string          `json:"attemptedGateways,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Audit             []AuditEntry      `json:"audit,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Retryable reports whether RetryTransaction would accept this transaction.
func (t *Transaction) Retryable() bool {
	return t.Status == StatusFailed && t.RetryCount < t.MaxRetries
}

func (t *Transaction) attempted() map[string]bool {
	out := make(map[string]bool, len(t.AttemptedGateways))
	for _, id := range t.AttemptedGateways {
		out[id] = true
	}
	return out
}

// PaymentRequest is the inbound payment boundary.
type PaymentRequest struct {
	TenantID   string            `json:"tenantId"`
	CustomerID string            `json:"customerId"`
	InvoiceID  string            `json:"invoiceId,omitempty"`
	Amount     float64           `json:"amount"`
	Currency   string            `json:"currency"`
	Method     string            `json:"method"`
	SourceIP   string            `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// GatewayUpdate is a status change reported asynchronously by a gateway,
// normalized by the webhook ingestor.
type GatewayUpdate struct {
	TransactionID string
	Status        Status // success or failed
	GatewayRef    string
	Reason        string
	RawPayload    string
	Source        string // actor recorded in the audit trail
}

// Store persists transactions for audit and recovery. The orchestrator's
// in-memory view stays authoritative during active processing.
type Store interface {
	Save(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListByTenant(ctx context.Context, tenantID string, limit int, before *pagination.Cursor) ([]*Transaction, error)
}
