package risk

import (
	"context"
	"testing"
	"time"
)

func testEngine() (*Engine, *time.Time) {
	e := NewEngine(NewMemoryStore())
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC) // weekday afternoon
	e.now = func() time.Time { return now }
	return e, &now
}

func TestScore_LowRiskTransaction(t *testing.T) {
	e, now := testEngine()

	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_1",
		CustomerID:    "cust_1",
		KnownCustomer: true,
		Amount:        49.99,
		Currency:      "USD",
		Method:        "bank_transfer",
		SourceIP:      "203.0.113.9",
		At:            *now,
	})

	if a.Level != LevelLow {
		t.Fatalf("expected low, got %s (score %.2f, factors %+v)", a.Level, a.Score, a.Factors)
	}
	if a.Blocked || a.ManualReview {
		t.Fatal("low-risk transaction must not be blocked or flagged")
	}
}

func TestScore_CriticalBlocks(t *testing.T) {
	e, now := testEngine()

	// Flood the frequency window from one address.
	for i := 0; i < 50; i++ {
		e.RecordRequest("198.51.100.7")
	}
	overnight := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	*now = overnight

	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_2",
		Amount:        75_000,
		Currency:      "USD",
		Method:        "crypto",
		SourceIP:      "198.51.100.7",
		At:            overnight,
	})

	if a.Level != LevelCritical {
		t.Fatalf("expected critical, got %s (score %.2f)", a.Level, a.Score)
	}
	if !a.Blocked {
		t.Fatal("critical assessments must set blocked")
	}
	if !a.ManualReview {
		t.Fatal("critical assessments must set manual review")
	}
	if len(a.FraudIndicators) == 0 {
		t.Fatal("expected fraud indicators")
	}
}

func TestScore_HighSetsManualReviewOnly(t *testing.T) {
	e, _ := testEngine()

	overnight := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_3",
		Amount:        30_000,
		Currency:      "USD",
		Method:        "crypto",
		At:            overnight,
	})

	if a.Level != LevelHigh {
		t.Fatalf("expected high, got %s (score %.2f)", a.Level, a.Score)
	}
	if a.Blocked {
		t.Fatal("high level must not block")
	}
	if !a.ManualReview {
		t.Fatal("high level must flag manual review")
	}
}

func TestScore_MissingSignalsNeutral(t *testing.T) {
	e, _ := testEngine()

	// No IP, no timestamp, no customer, unknown method: every contextual
	// factor neutral. The scorer must not fail.
	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_4",
		Amount:        500,
		Method:        "telepathy",
	})

	for _, f := range a.Factors {
		switch f.Name {
		case "payment_method", "time_of_day", "customer_history", "request_frequency":
			if f.Score != neutralScore {
				t.Errorf("factor %s should be neutral, got %.0f", f.Name, f.Score)
			}
		}
	}
	if a.Level == LevelCritical {
		t.Fatal("neutral signals should never reach critical alone")
	}
}

func TestScore_WeightedMeanNormalized(t *testing.T) {
	e, _ := testEngine()

	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_5",
		Amount:        500,
	})

	var weightedSum, totalWeight float64
	for _, f := range a.Factors {
		weightedSum += f.Score * f.Weight
		totalWeight += f.Weight
	}
	want := weightedSum / totalWeight
	if diff := a.Score - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("score %.2f does not match normalized weighted mean %.2f", a.Score, want)
	}
}

func TestRecordRequest_WindowPrunes(t *testing.T) {
	e, now := testEngine()

	e.RecordRequest("192.0.2.1")
	e.RecordRequest("192.0.2.1")

	// Advance past the window; old stamps must not count.
	*now = now.Add(frequencyWindow + time.Minute)
	e.RecordRequest("192.0.2.1")

	a := e.Score(context.Background(), &TransactionContext{
		TransactionID: "txn_6",
		Amount:        50,
		Method:        "card",
		SourceIP:      "192.0.2.1",
		At:            *now,
	})

	for _, f := range a.Factors {
		if f.Name == "request_frequency" && f.Score != 10 {
			t.Fatalf("expected pruned window to score 10, got %.0f", f.Score)
		}
	}
}

func TestScore_PersistsToStore(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(store)

	e.Score(context.Background(), &TransactionContext{TransactionID: "txn_7", Amount: 10, Method: "card"})

	// Record is async; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.ListByTransaction(context.Background(), "txn_7", 10)
		if len(got) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("assessment was not persisted")
}
