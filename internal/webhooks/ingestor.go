package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkosta/paycore/internal/idgen"
	"github.com/dkosta/paycore/internal/metrics"
	"github.com/dkosta/paycore/internal/orchestrator"
)

// Updater is the orchestrator's asynchronous update entry point.
type Updater interface {
	ApplyGatewayUpdate(ctx context.Context, up orchestrator.GatewayUpdate) (*orchestrator.Transaction, error)
}

// Emitter receives event outcomes for live fan-out. Implementations must
// not block.
type Emitter interface {
	EmitWebhookEvent(e *Event)
}

// Ingestor receives, verifies and processes gateway webhooks.
type Ingestor struct {
	store   Store
	updater Updater
	emitter Emitter
	logger  *slog.Logger

	connMu     sync.RWMutex
	connectors []*Connector

	queue       chan string
	workers     int
	maxAttempts int
	backoffBase time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewIngestor creates an ingestor with a bounded queue.
func NewIngestor(store Store, updater Updater, queueSize, workers, maxAttempts int, backoffBase time.Duration, logger *slog.Logger) *Ingestor {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Ingestor{
		store:       store,
		updater:     updater,
		logger:      logger,
		queue:       make(chan string, queueSize),
		workers:     workers,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		now:         time.Now,
	}
}

// WithEmitter attaches an outcome emitter.
func (in *Ingestor) WithEmitter(e Emitter) *Ingestor {
	in.emitter = e
	return in
}

// SetConnectors replaces the connector configuration.
func (in *Ingestor) SetConnectors(connectors []Connector) {
	next := make([]*Connector, 0, len(connectors))
	for _, c := range connectors {
		cp := c
		next = append(next, &cp)
	}
	in.connMu.Lock()
	in.connectors = next
	in.connMu.Unlock()
}

// QueueDepth reports current pending events and queue capacity.
func (in *Ingestor) QueueDepth() (depth, capacity int) {
	return len(in.queue), cap(in.queue)
}

// Start launches the worker pool.
func (in *Ingestor) Start(ctx context.Context) {
	if !in.running.CompareAndSwap(false, true) {
		return
	}
	ctx, in.cancel = context.WithCancel(ctx)
	for i := 0; i < in.workers; i++ {
		in.wg.Add(1)
		go in.worker(ctx)
	}
}

// Stop shuts the worker pool down and waits for in-flight events.
func (in *Ingestor) Stop() {
	if !in.running.CompareAndSwap(true, false) {
		return
	}
	in.cancel()
	in.wg.Wait()
}

// Receive is the inbound webhook boundary. It verifies the signature
// against the connector's secret, deduplicates by provider event id and
// enqueues the event for asynchronous processing. A duplicate submission
// returns the original event unchanged.
func (in *Ingestor) Receive(ctx context.Context, gateway, tenantID string, headers map[string]string, payload []byte, signature string) (*Event, error) {
	conn := in.findConnector(gateway, tenantID)
	if conn == nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, gateway)
	}

	verified, err := verifySignature(conn, payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	fields := extractFields(payload)
	providerEventID := fields.eventID
	if providerEventID == "" {
		// No provider id means no dedup key; fall back to a content hash
		// so an exact duplicate body still collapses.
		sum := sha256.Sum256(payload)
		providerEventID = hex.EncodeToString(sum[:16])
	}

	if existing, err := in.store.GetByProviderEventID(ctx, gateway, tenantID, providerEventID); err == nil {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		return existing, nil
	}

	now := in.now()
	event := &Event{
		ID:              idgen.WithPrefix("evt_"),
		TenantID:        tenantID,
		Gateway:         gateway,
		ConnectorID:     conn.ID,
		Type:            fields.eventType,
		ProviderEventID: providerEventID,
		TransactionID:   fields.transactionID,
		Payload:         payload,
		Headers:         headers,
		Signature:       signature,
		Verified:        verified,
		Status:          StatusPending,
		MaxAttempts:     in.maxAttempts,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}
	if err := in.store.Save(ctx, event); err != nil {
		// A concurrent delivery of the same provider event won the insert
		// between our dedup lookup and this save.
		if errors.Is(err, ErrDuplicateEvent) {
			if existing, lookupErr := in.store.GetByProviderEventID(ctx, gateway, tenantID, providerEventID); lookupErr == nil {
				metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
				return existing, nil
			}
		}
		return nil, fmt.Errorf("save webhook event: %w", err)
	}

	if !in.enqueue(event.ID) {
		event.Status = StatusFailed
		event.LastError = "ingest queue full"
		event.UpdatedAt = in.now()
		_ = in.store.Save(ctx, event)
		metrics.WebhookEventsTotal.WithLabelValues("dropped").Inc()
		return nil, ErrQueueFull
	}
	metrics.WebhookEventsTotal.WithLabelValues("received").Inc()
	return event, nil
}

// Get returns an event by id.
func (in *Ingestor) Get(ctx context.Context, id string) (*Event, error) {
	return in.store.Get(ctx, id)
}

// Requeue puts a stored event back on the delivery queue. It never blocks;
// the return value reports whether the queue accepted the event.
func (in *Ingestor) Requeue(id string) bool {
	if !in.running.Load() {
		return false
	}
	return in.enqueue(id)
}

func (in *Ingestor) enqueue(id string) bool {
	select {
	case in.queue <- id:
		metrics.WebhookQueueDepth.Set(float64(len(in.queue)))
		return true
	default:
		return false
	}
}

func (in *Ingestor) worker(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-in.queue:
			metrics.WebhookQueueDepth.Set(float64(len(in.queue)))
			in.process(ctx, id)
		}
	}
}

// process runs one delivery attempt for an event.
func (in *Ingestor) process(ctx context.Context, id string) {
	event, err := in.store.Get(ctx, id)
	if err != nil {
		in.logger.Error("load webhook event", "event", id, "error", err)
		return
	}

	event.Status = StatusProcessing
	event.Attempts++
	event.UpdatedAt = in.now()
	_ = in.store.Save(ctx, event)

	if err := in.apply(ctx, event); err != nil {
		in.handleFailure(ctx, event, err)
		return
	}

	event.Status = StatusCompleted
	event.LastError = ""
	event.UpdatedAt = in.now()
	_ = in.store.Save(ctx, event)
	metrics.WebhookEventsTotal.WithLabelValues("completed").Inc()
	in.emit(event)
}

// apply translates the payload into an orchestrator update. Events that
// carry no transaction correlation or no recognizable status complete
// without side effects.
func (in *Ingestor) apply(ctx context.Context, event *Event) error {
	fields := extractFields(event.Payload)
	txID := event.TransactionID
	if txID == "" {
		txID = fields.transactionID
	}
	if txID == "" {
		in.logger.Warn("webhook without transaction correlation", "event", event.ID, "gateway", event.Gateway)
		return nil
	}

	status, ok := normalizeStatus(fields.status)
	if !ok {
		in.logger.Debug("webhook with no status change", "event", event.ID, "status", fields.status)
		return nil
	}

	_, err := in.updater.ApplyGatewayUpdate(ctx, orchestrator.GatewayUpdate{
		TransactionID: txID,
		Status:        status,
		GatewayRef:    fields.reference,
		Reason:        fields.reason,
		RawPayload:    string(event.Payload),
		Source:        "webhook:" + event.Gateway,
	})
	return err
}

// handleFailure marks the event failed or schedules a retry. The backoff
// delay doubles with every attempt; the worker is never blocked for it.
func (in *Ingestor) handleFailure(ctx context.Context, event *Event, cause error) {
	event.LastError = cause.Error()
	event.UpdatedAt = in.now()

	if event.Attempts >= event.MaxAttempts {
		event.Status = StatusFailed
		_ = in.store.Save(ctx, event)
		metrics.WebhookEventsTotal.WithLabelValues("failed").Inc()
		in.logger.Error("webhook permanently failed",
			"event", event.ID,
			"gateway", event.Gateway,
			"attempts", event.Attempts,
			"error", cause,
		)
		in.emit(event)
		return
	}

	delay := in.backoffBase * time.Duration(1<<uint(event.Attempts))
	event.Status = StatusRetrying
	event.NextAttempt = in.now().Add(delay)
	_ = in.store.Save(ctx, event)
	metrics.WebhookEventsTotal.WithLabelValues("retried").Inc()

	id := event.ID
	time.AfterFunc(delay, func() {
		if !in.running.Load() {
			return
		}
		if !in.enqueue(id) {
			in.logger.Error("webhook retry dropped, queue full", "event", id)
		}
	})
}

func (in *Ingestor) emit(event *Event) {
	if in.emitter != nil {
		in.emitter.EmitWebhookEvent(event)
	}
}

func (in *Ingestor) findConnector(gateway, tenantID string) *Connector {
	in.connMu.RLock()
	defer in.connMu.RUnlock()

	var wildcard *Connector
	for _, c := range in.connectors {
		if !c.Active || c.Gateway != gateway {
			continue
		}
		if c.TenantID == tenantID {
			return c
		}
		if c.TenantID == "" && wildcard == nil {
			wildcard = c
		}
	}
	return wildcard
}

// verifySignature checks the HMAC-SHA256 hex signature of the payload. An
// absent secret or signature is accepted unverified only when the connector
// explicitly allows it.
func verifySignature(conn *Connector, payload []byte, signature string) (bool, error) {
	if conn.Secret == "" || signature == "" {
		if conn.AllowUnverified {
			return false, nil
		}
		return false, fmt.Errorf("%w: missing secret or signature", ErrVerificationFailed)
	}

	mac := hmac.New(sha256.New, []byte(conn.Secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	signature = strings.TrimPrefix(signature, "sha256=")
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return false, ErrVerificationFailed
	}
	return true, nil
}

type payloadFields struct {
	eventID       string
	eventType     string
	transactionID string
	reference     string
	status        string
	reason        string
}

// extractFields pulls correlation data out of a payload on a best-effort
// basis. Providers disagree on field names, so each field probes a list of
// common keys.
func extractFields(payload []byte) payloadFields {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payloadFields{}
	}

	f := payloadFields{
		eventID:       firstString(doc, "event_id", "eventId", "id"),
		eventType:     firstString(doc, "type", "event_type", "event"),
		transactionID: firstString(doc, "transaction_id", "transactionId", "reference_id"),
		reference:     firstString(doc, "reference", "payment_id", "charge_id"),
		status:        firstString(doc, "status", "state", "outcome"),
		reason:        firstString(doc, "failure_reason", "reason", "error"),
	}
	if f.transactionID == "" {
		if meta, ok := doc["metadata"].(map[string]any); ok {
			f.transactionID = firstString(meta, "transaction_id", "transactionId")
		}
	}
	if data, ok := doc["data"].(map[string]any); ok {
		if f.status == "" {
			f.status = firstString(data, "status", "state")
		}
		if f.transactionID == "" {
			f.transactionID = firstString(data, "transaction_id", "transactionId")
		}
	}
	return f
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := doc[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// normalizeStatus maps the provider status vocabulary onto transaction
// statuses. Unrecognized values produce no update.
func normalizeStatus(s string) (orchestrator.Status, bool) {
	switch strings.ToLower(s) {
	case "success", "succeeded", "completed", "paid", "captured", "approved":
		return orchestrator.StatusSuccess, true
	case "failed", "failure", "declined", "error", "canceled", "cancelled", "expired":
		return orchestrator.StatusFailed, true
	default:
		return "", false
	}
}
