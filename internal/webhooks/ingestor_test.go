package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkosta/paycore/internal/logging"
	"github.com/dkosta/paycore/internal/orchestrator"
)

type fakeUpdater struct {
	mu      sync.Mutex
	calls   int
	updates []orchestrator.GatewayUpdate
	failN   atomic.Int32 // number of calls to fail before succeeding
}

func (f *fakeUpdater) ApplyGatewayUpdate(ctx context.Context, up orchestrator.GatewayUpdate) (*orchestrator.Transaction, error) {
	f.mu.Lock()
	f.calls++
	f.updates = append(f.updates, up)
	f.mu.Unlock()
	if f.failN.Load() > 0 {
		f.failN.Add(-1)
		return nil, errors.New("transient store error")
	}
	return &orchestrator.Transaction{ID: up.TransactionID, Status: up.Status}, nil
}

func (f *fakeUpdater) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestIngestor(t *testing.T, connectors ...Connector) (*Ingestor, *fakeUpdater, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	updater := &fakeUpdater{}
	in := NewIngestor(store, updater, 16, 2, 3, 5*time.Millisecond, logging.Discard())
	if len(connectors) == 0 {
		connectors = []Connector{{ID: "conn_1", Gateway: "stripe", Secret: "whsec_test", Active: true}}
	}
	in.SetConnectors(connectors)
	in.Start(context.Background())
	t.Cleanup(in.Stop)
	return in, updater, store
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestReceive_VerifiesAndProcesses(t *testing.T) {
	in, updater, _ := newTestIngestor(t)

	payload := []byte(`{"event_id":"ev_1","type":"charge.updated","transaction_id":"txn_1","status":"succeeded","reference":"pi_9"}`)
	event, err := in.Receive(context.Background(), "stripe", "", nil, payload, sign("whsec_test", payload))
	if err != nil {
		t.Fatal(err)
	}
	if !event.Verified {
		t.Fatal("event should be verified")
	}

	waitFor(t, time.Second, func() bool {
		e, _ := in.Get(context.Background(), event.ID)
		return e.Status == StatusCompleted
	})
	if updater.callCount() != 1 {
		t.Fatalf("updater calls = %d", updater.callCount())
	}
	up := updater.updates[0]
	if up.TransactionID != "txn_1" || up.Status != orchestrator.StatusSuccess || up.GatewayRef != "pi_9" {
		t.Fatalf("update = %+v", up)
	}
}

func TestReceive_RejectsBadSignature(t *testing.T) {
	in, updater, _ := newTestIngestor(t)

	payload := []byte(`{"event_id":"ev_2","status":"succeeded"}`)
	_, err := in.Receive(context.Background(), "stripe", "", nil, payload, "sha256=deadbeef")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if updater.callCount() != 0 {
		t.Fatal("rejected events must never be processed")
	}
}

func TestReceive_UnsignedRejectedByDefault(t *testing.T) {
	in, _, _ := newTestIngestor(t)

	_, err := in.Receive(context.Background(), "stripe", "", nil, []byte(`{"event_id":"ev_3"}`), "")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestReceive_UnsignedAcceptedWhenAllowed(t *testing.T) {
	in, _, _ := newTestIngestor(t, Connector{
		ID: "conn_lax", Gateway: "legacy", Active: true, AllowUnverified: true,
	})

	event, err := in.Receive(context.Background(), "legacy", "", nil, []byte(`{"event_id":"ev_4"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if event.Verified {
		t.Fatal("event without signature must be marked unverified")
	}
}

func TestReceive_UnknownGateway(t *testing.T) {
	in, _, _ := newTestIngestor(t)

	_, err := in.Receive(context.Background(), "nonexistent", "", nil, []byte(`{}`), "")
	if !errors.Is(err, ErrUnknownConnector) {
		t.Fatalf("expected ErrUnknownConnector, got %v", err)
	}
}

func TestReceive_DuplicateIsIdempotent(t *testing.T) {
	in, updater, _ := newTestIngestor(t)

	payload := []byte(`{"event_id":"ev_dup","transaction_id":"txn_5","status":"succeeded"}`)
	sig := sign("whsec_test", payload)

	first, err := in.Receive(context.Background(), "stripe", "", nil, payload, sig)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		e, _ := in.Get(context.Background(), first.ID)
		return e.Status == StatusCompleted
	})

	second, err := in.Receive(context.Background(), "stripe", "", nil, payload, sig)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created a new event: %s vs %s", second.ID, first.ID)
	}
	if second.Status != StatusCompleted {
		t.Fatalf("duplicate should return the original result, got %s", second.Status)
	}

	time.Sleep(20 * time.Millisecond)
	if updater.callCount() != 1 {
		t.Fatalf("processor ran %d times for one provider event id", updater.callCount())
	}
}

func TestMemoryStore_SaveFirstWriterWinsOnDedupKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &Event{ID: "evt_a", Gateway: "stripe", TenantID: "t1", ProviderEventID: "ev_race", Status: StatusPending}
	if err := store.Save(ctx, first); err != nil {
		t.Fatal(err)
	}

	// A concurrent delivery that passed its dedup lookup before the first
	// save landed must be refused here.
	second := &Event{ID: "evt_b", Gateway: "stripe", TenantID: "t1", ProviderEventID: "ev_race", Status: StatusPending}
	if err := store.Save(ctx, second); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("second writer: err = %v, want ErrDuplicateEvent", err)
	}
	if _, err := store.Get(ctx, "evt_b"); !errors.Is(err, ErrEventNotFound) {
		t.Fatal("losing writer must not be stored")
	}

	// Updates of the winning event keep working.
	first.Status = StatusCompleted
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("update of winner: %v", err)
	}

	// Same provider event id under another tenant is a distinct key.
	other := &Event{ID: "evt_c", Gateway: "stripe", TenantID: "t2", ProviderEventID: "ev_race", Status: StatusPending}
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("cross-tenant save: %v", err)
	}
}

// blindLookupStore simulates the insert race: the dedup lookup runs before
// a concurrent delivery's save lands, so the first lookup misses and the
// subsequent save collides.
type blindLookupStore struct {
	*MemoryStore
	misses atomic.Int32
}

func (b *blindLookupStore) GetByProviderEventID(ctx context.Context, gateway, tenantID, providerEventID string) (*Event, error) {
	if b.misses.Add(-1) >= 0 {
		return nil, ErrEventNotFound
	}
	return b.MemoryStore.GetByProviderEventID(ctx, gateway, tenantID, providerEventID)
}

func TestReceive_LostInsertRaceReturnsOriginal(t *testing.T) {
	store := &blindLookupStore{MemoryStore: NewMemoryStore()}
	store.misses.Store(1)
	in := NewIngestor(store, &fakeUpdater{}, 16, 2, 3, 5*time.Millisecond, logging.Discard())
	in.SetConnectors([]Connector{{ID: "conn_1", Gateway: "stripe", Secret: "whsec_test", Active: true}})
	in.Start(context.Background())
	t.Cleanup(in.Stop)

	winner := &Event{
		ID:              "evt_winner",
		Gateway:         "stripe",
		ProviderEventID: "ev_race",
		Status:          StatusCompleted,
	}
	if err := store.Save(context.Background(), winner); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"event_id":"ev_race","transaction_id":"txn_9","status":"succeeded"}`)
	sig := sign("whsec_test", payload)

	got, err := in.Receive(context.Background(), "stripe", "", nil, payload, sig)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "evt_winner" {
		t.Fatalf("got event %s, want the stored original", got.ID)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want the winner's terminal status", got.Status)
	}
}

func TestProcess_RetriesWithBackoffThenCompletes(t *testing.T) {
	in, updater, _ := newTestIngestor(t)
	updater.failN.Store(2)

	payload := []byte(`{"event_id":"ev_retry","transaction_id":"txn_6","status":"failed","failure_reason":"card declined"}`)
	event, err := in.Receive(context.Background(), "stripe", "", nil, payload, sign("whsec_test", payload))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		e, _ := in.Get(context.Background(), event.ID)
		return e.Status == StatusCompleted
	})

	e, _ := in.Get(context.Background(), event.ID)
	if e.Attempts != 3 {
		t.Fatalf("attempts = %d", e.Attempts)
	}
}

func TestProcess_ExhaustsAttemptsAndFails(t *testing.T) {
	in, updater, _ := newTestIngestor(t)
	updater.failN.Store(100)

	payload := []byte(`{"event_id":"ev_dead","transaction_id":"txn_7","status":"succeeded"}`)
	event, err := in.Receive(context.Background(), "stripe", "", nil, payload, sign("whsec_test", payload))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		e, _ := in.Get(context.Background(), event.ID)
		return e.Status == StatusFailed
	})

	e, _ := in.Get(context.Background(), event.ID)
	if e.Attempts != e.MaxAttempts {
		t.Fatalf("attempts = %d, max = %d", e.Attempts, e.MaxAttempts)
	}
	if e.LastError == "" {
		t.Fatal("permanently failed event must keep its last error")
	}
}

func TestProcess_NoCorrelationCompletesWithoutUpdate(t *testing.T) {
	in, updater, _ := newTestIngestor(t)

	payload := []byte(`{"event_id":"ev_noise","type":"account.updated"}`)
	event, err := in.Receive(context.Background(), "stripe", "", nil, payload, sign("whsec_test", payload))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		e, _ := in.Get(context.Background(), event.ID)
		return e.Status == StatusCompleted
	})
	if updater.callCount() != 0 {
		t.Fatal("event without correlation must not reach the orchestrator")
	}
}

func TestReceive_TenantScopedConnectorPreferred(t *testing.T) {
	in, _, _ := newTestIngestor(t,
		Connector{ID: "conn_all", Gateway: "adyen", Secret: "global", Active: true},
		Connector{ID: "conn_t1", Gateway: "adyen", TenantID: "t1", Secret: "scoped", Active: true},
	)

	payload := []byte(`{"event_id":"ev_t1"}`)
	event, err := in.Receive(context.Background(), "adyen", "t1", nil, payload, sign("scoped", payload))
	if err != nil {
		t.Fatal(err)
	}
	if event.ConnectorID != "conn_t1" {
		t.Fatalf("connector = %s", event.ConnectorID)
	}

	// A different tenant falls through to the wildcard connector.
	payload2 := []byte(`{"event_id":"ev_t2"}`)
	event2, err := in.Receive(context.Background(), "adyen", "t2", nil, payload2, sign("global", payload2))
	if err != nil {
		t.Fatal(err)
	}
	if event2.ConnectorID != "conn_all" {
		t.Fatalf("connector = %s", event2.ConnectorID)
	}
}

func TestVerifySignature_ConstantTimeFormats(t *testing.T) {
	conn := &Connector{Secret: "s3cret"}
	payload := []byte(`{"a":1}`)
	sig := sign("s3cret", payload)

	for _, variant := range []string{sig, "sha256=" + sig, "SHA256=" + sig} {
		ok, err := verifySignature(conn, payload, variant)
		if variant[:3] == "SHA" {
			// Prefix stripping is case-sensitive; this form fails.
			if err == nil {
				t.Fatalf("variant %q unexpectedly verified", variant)
			}
			continue
		}
		if err != nil || !ok {
			t.Fatalf("variant %q: ok=%v err=%v", variant, ok, err)
		}
	}
}

func TestReceive_QueueFull(t *testing.T) {
	store := NewMemoryStore()
	updater := &fakeUpdater{}
	in := NewIngestor(store, updater, 1, 1, 3, time.Millisecond, logging.Discard())
	in.SetConnectors([]Connector{{ID: "c", Gateway: "g", Active: true, AllowUnverified: true}})
	// Not started: nothing drains the queue.

	if _, err := in.Receive(context.Background(), "g", "", nil, []byte(`{"event_id":"e1"}`), ""); err != nil {
		t.Fatal(err)
	}
	_, err := in.Receive(context.Background(), "g", "", nil, []byte(`{"event_id":"e2"}`), "")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestExtractFields_NestedData(t *testing.T) {
	f := extractFields([]byte(`{
		"id": "evt_n",
		"type": "payment.updated",
		"data": {"status": "declined", "transaction_id": "txn_n"}
	}`))
	if f.eventID != "evt_n" || f.transactionID != "txn_n" || f.status != "declined" {
		t.Fatalf("fields = %+v", f)
	}

	status, ok := normalizeStatus(f.status)
	if !ok || status != orchestrator.StatusFailed {
		t.Fatalf("normalized = %s, %v", status, ok)
	}
}

func TestNormalizeStatus_UnknownProducesNoUpdate(t *testing.T) {
	for _, s := range []string{"", "pending", "requires_action", "mystery"} {
		if _, ok := normalizeStatus(s); ok {
			t.Fatalf("%q should not normalize", s)
		}
	}
}

func TestReceive_MissingEventIDUsesContentHash(t *testing.T) {
	in, _, _ := newTestIngestor(t, Connector{ID: "c", Gateway: "g", Active: true, AllowUnverified: true})

	payload := []byte(`{"status":"succeeded","transaction_id":"txn_h"}`)
	first, err := in.Receive(context.Background(), "g", "", nil, payload, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := in.Receive(context.Background(), "g", "", nil, payload, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatal("identical unkeyed payloads must deduplicate by content hash")
	}
	if first.ProviderEventID == "" {
		t.Fatal("fallback dedup key missing")
	}
}
