package circuitbreaker

import (
	"testing"
	"time"
)

func testBank(failures, successes int, recovery time.Duration) (*Bank, *time.Time) {
	bk := NewBank(Thresholds{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		RecoveryTimeout:  recovery,
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bk.now = func() time.Time { return now }
	return bk, &now
}

func TestBank_AllowWhenClosed(t *testing.T) {
	bk, _ := testBank(3, 2, time.Minute)
	if !bk.CanExecute("gateway:stripe") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBank_TripsAfterThreshold(t *testing.T) {
	bk, _ := testBank(3, 2, time.Minute)

	// 2 failures = still closed
	bk.RecordFailure("svc")
	bk.RecordFailure("svc")
	if !bk.CanExecute("svc") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	bk.RecordFailure("svc")
	if bk.CanExecute("svc") {
		t.Fatal("should be open after 3 failures")
	}
	if bk.State("svc") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", bk.State("svc"))
	}
}

func TestBank_OpenToHalfOpenAfterRecovery(t *testing.T) {
	bk, now := testBank(2, 2, time.Minute)

	bk.RecordFailure("svc")
	bk.RecordFailure("svc")
	if bk.CanExecute("svc") {
		t.Fatal("should be open")
	}

	// Just before the recovery deadline: still rejected.
	*now = now.Add(59 * time.Second)
	if bk.CanExecute("svc") {
		t.Fatal("should still reject before nextAttempt")
	}

	// At the deadline: exactly one check transitions to half-open and allows.
	*now = now.Add(time.Second)
	if !bk.CanExecute("svc") {
		t.Fatal("should allow probe at nextAttempt")
	}
	if bk.State("svc") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", bk.State("svc"))
	}
}

func TestBank_HalfOpenSuccessesClose(t *testing.T) {
	bk, now := testBank(2, 3, time.Minute)

	bk.RecordFailure("svc")
	bk.RecordFailure("svc")
	*now = now.Add(time.Minute)
	bk.CanExecute("svc") // transitions to half-open

	bk.RecordSuccess("svc")
	bk.RecordSuccess("svc")
	if bk.State("svc") != StateHalfOpen {
		t.Fatal("should need 3 consecutive successes to close")
	}
	bk.RecordSuccess("svc")
	if bk.State("svc") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", bk.State("svc"))
	}
	if !bk.CanExecute("svc") {
		t.Fatal("should allow after recovery")
	}
}

func TestBank_HalfOpenFailureReopens(t *testing.T) {
	bk, now := testBank(2, 2, time.Minute)

	bk.RecordFailure("svc")
	bk.RecordFailure("svc")
	*now = now.Add(time.Minute)
	bk.CanExecute("svc") // half-open

	bk.RecordSuccess("svc")
	bk.RecordFailure("svc") // any failure in half-open reopens
	if bk.State("svc") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", bk.State("svc"))
	}
	if bk.CanExecute("svc") {
		t.Fatal("reopened breaker should reject until the new deadline")
	}
}

func TestBank_SuccessResetsFailureCounter(t *testing.T) {
	bk, _ := testBank(3, 2, time.Minute)

	bk.RecordFailure("svc")
	bk.RecordFailure("svc")
	bk.RecordSuccess("svc")
	bk.RecordFailure("svc")

	// Counter was reset, so only 1 consecutive failure recorded.
	if bk.State("svc") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", bk.State("svc"))
	}
}

func TestBank_ServicesIndependent(t *testing.T) {
	bk, _ := testBank(2, 2, time.Minute)

	bk.RecordFailure("gateway:a")
	bk.RecordFailure("gateway:a")

	if bk.CanExecute("gateway:a") {
		t.Fatal("gateway:a should be open")
	}
	if !bk.CanExecute("gateway:b") {
		t.Fatal("gateway:b should be unaffected")
	}
}

func TestBank_Stats(t *testing.T) {
	bk, _ := testBank(5, 2, time.Minute)

	bk.RecordSuccess("svc")
	bk.RecordSuccess("svc")
	bk.RecordFailure("svc")

	s := bk.Stats("svc")
	if s.TotalCalls != 3 || s.TotalFailures != 1 || s.TotalSuccesses != 2 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.FailureRate < 0.33 || s.FailureRate > 0.34 {
		t.Fatalf("unexpected failure rate: %f", s.FailureRate)
	}
}

func TestBank_ConfigurePerService(t *testing.T) {
	bk, _ := testBank(5, 2, time.Minute)
	bk.Configure("fragile", Thresholds{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute})

	bk.RecordFailure("fragile")
	if bk.State("fragile") != StateOpen {
		t.Fatal("per-service threshold of 1 should open immediately")
	}

	bk.RecordFailure("sturdy")
	if bk.State("sturdy") != StateClosed {
		t.Fatal("default threshold should still apply to other services")
	}
}
