package realtime

import (
	"time"

	"github.com/dkosta/paycore/internal/orchestrator"
	"github.com/dkosta/paycore/internal/webhooks"
)

// TransactionEmitter adapts the hub to the orchestrator's emitter hook.
type TransactionEmitter struct {
	hub *Hub
}

// NewTransactionEmitter creates an emitter over a hub.
func NewTransactionEmitter(hub *Hub) *TransactionEmitter {
	return &TransactionEmitter{hub: hub}
}

// EmitTransaction broadcasts a transaction lifecycle change. Non-blocking:
// a full broadcast buffer drops the event rather than stalling payment
// processing.
func (e *TransactionEmitter) EmitTransaction(tx *orchestrator.Transaction) {
	e.hub.BroadcastTransaction(map[string]interface{}{
		"id":        tx.ID,
		"tenantId":  tx.TenantID,
		"gatewayId": tx.GatewayID,
		"amount":    tx.Amount,
		"currency":  tx.Currency,
		"method":    tx.Method,
		"status":    string(tx.Status),
		"reason":    tx.FailureReason,
		"riskLevel": tx.RiskLevel,
		"updatedAt": tx.UpdatedAt.Format(time.RFC3339),
	})
}

// EmitWebhookEvent broadcasts a webhook processing outcome.
func (e *TransactionEmitter) EmitWebhookEvent(ev *webhooks.Event) {
	e.hub.Broadcast(&Event{
		Type:      EventWebhook,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"id":            ev.ID,
			"tenantId":      ev.TenantID,
			"gateway":       ev.Gateway,
			"status":        string(ev.Status),
			"transactionId": ev.TransactionID,
		},
	})
}
