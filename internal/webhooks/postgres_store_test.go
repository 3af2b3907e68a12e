package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkosta/paycore/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	next := now.Add(2 * time.Second)

	e := &Event{
		ID:              "evt_pgtest_1",
		TenantID:        "acme",
		Gateway:         "stripe",
		ConnectorID:     "conn_stripe",
		Type:            "payment_intent.succeeded",
		ProviderEventID: "pi_evt_1",
		TransactionID:   "txn_1",
		Payload:         []byte(`{"id":"pi_evt_1"}`),
		Headers:         map[string]string{"Content-Type": "application/json"},
		Signature:       "sha256=abc",
		Verified:        true,
		Status:          StatusRetrying,
		Attempts:        1,
		MaxAttempts:     5,
		LastError:       "update failed",
		NextAttempt:     next,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}
	if err := store.Save(ctx, e); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "evt_pgtest_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRetrying || got.Attempts != 1 {
		t.Errorf("status/attempts = %s/%d", got.Status, got.Attempts)
	}
	if !got.NextAttempt.Equal(next) {
		t.Errorf("next attempt = %v, want %v", got.NextAttempt, next)
	}
	if string(got.Payload) != `{"id":"pi_evt_1"}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if !got.Verified {
		t.Error("verified flag lost")
	}
}

func TestPostgresStoreDedupLookup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := &Event{
		ID:              "evt_pgtest_2",
		TenantID:        "acme",
		Gateway:         "stripe",
		ProviderEventID: "pi_evt_2",
		Payload:         []byte(`{}`),
		Status:          StatusCompleted,
		MaxAttempts:     5,
		ReceivedAt:      now,
		UpdatedAt:       now,
	}
	if err := store.Save(ctx, e); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.GetByProviderEventID(ctx, "stripe", "acme", "pi_evt_2")
	if err != nil {
		t.Fatalf("GetByProviderEventID: %v", err)
	}
	if got.ID != "evt_pgtest_2" {
		t.Errorf("id = %s", got.ID)
	}

	// Same provider id under another tenant is a different event
	if _, err := store.GetByProviderEventID(ctx, "stripe", "other", "pi_evt_2"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("cross-tenant lookup err = %v, want ErrEventNotFound", err)
	}
}

func TestPostgresStoreListByStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, id := range []string{"evt_s1", "evt_s2"} {
		e := &Event{
			ID:              id,
			Gateway:         "simulator",
			ProviderEventID: id,
			Payload:         []byte(`{}`),
			Status:          StatusFailed,
			MaxAttempts:     5,
			ReceivedAt:      base.Add(time.Duration(i) * time.Second),
			UpdatedAt:       base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Save(ctx, e); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	list, err := store.ListByStatus(ctx, StatusFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d events, want 2", len(list))
	}
	// Oldest first
	if list[0].ID != "evt_s1" {
		t.Errorf("order = %s first", list[0].ID)
	}
}
