// Package webhooks ingests asynchronous gateway callbacks.
//
// Inbound events are signature-verified, deduplicated by provider event id
// and queued for background processing. The processor extracts a status
// update from the payload and feeds it to the transaction orchestrator.
// Failed events retry with exponential backoff up to a cap, then surface
// for manual reconciliation.
package webhooks

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrEventNotFound      = errors.New("webhooks: event not found")
	ErrUnknownConnector   = errors.New("webhooks: no active connector for gateway")
	ErrVerificationFailed = errors.New("webhooks: signature verification failed")
	ErrQueueFull          = errors.New("webhooks: ingest queue full")
	ErrDuplicateEvent     = errors.New("webhooks: duplicate provider event")
)

// Status is an event's processing state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Connector is the webhook configuration for one gateway and tenant: where
// the shared secret lives and whether unsigned callbacks are tolerated.
type Connector struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"` // empty = all tenants
	Gateway  string `json:"gateway"`
	Secret   string `json:"-"`
	Active   bool   `json:"active"`

	// AllowUnverified accepts events that cannot be verified because no
	// secret or signature is present. Off by default: unverifiable
	// callbacks are rejected at the boundary.
	AllowUnverified bool `json:"allowUnverified"`
}

// Event is one received gateway callback.
type Event struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenantId"`
	Gateway         string            `json:"gateway"`
	ConnectorID     string            `json:"connectorId"`
	Type            string            `json:"type,omitempty"`
	ProviderEventID string            `json:"providerEventId"`
	TransactionID   string            `json:"transactionId,omitempty"`
	Payload         []byte            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	Signature       string            `json:"signature,omitempty"`
	Verified        bool              `json:"verified"`

	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`

	ReceivedAt time.Time `json:"receivedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists webhook events.
type Store interface {
	// Save inserts or updates an event. The first writer wins on the
	// (gateway, tenant, provider event id) dedup key: saving a new event
	// under a key already held by a different event returns
	// ErrDuplicateEvent.
	Save(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// GetByProviderEventID drives deduplication; it returns
	// ErrEventNotFound for a first-seen id.
	GetByProviderEventID(ctx context.Context, gateway, tenantID, providerEventID string) (*Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
}
