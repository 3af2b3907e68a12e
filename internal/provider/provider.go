// Package provider defines the outbound gateway capability and its
// provider-specific adapters.
//
// The resilience core never speaks a provider's wire protocol directly; it
// hands a normalized charge to an Invoker and gets back a correlation id and
// raw response. One adapter exists per provider, chosen at configuration
// time.
package provider

import (
	"context"
	"errors"
)

// Errors
var (
	ErrDeclined    = errors.New("provider: charge declined")
	ErrUnavailable = errors.New("provider: backend unavailable")
)

// ChargeRequest is a normalized payment payload.
type ChargeRequest struct {
	TransactionID string            `json:"transactionId"`
	TenantID      string            `json:"tenantId"`
	CustomerID    string            `json:"customerId"`
	Amount        float64           `json:"amount"`
	Currency      string            `json:"currency"`
	Method        string            `json:"method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ChargeResult carries the provider's answer for a successful charge.
type ChargeResult struct {
	ProviderRef string `json:"providerRef"` // provider-side correlation id
	RawResponse string `json:"rawResponse"`
}

// Invoker is the abstract outbound gateway call.
type Invoker interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}
