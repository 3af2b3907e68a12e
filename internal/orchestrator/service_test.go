package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkosta/paycore/internal/circuitbreaker"
	"github.com/dkosta/paycore/internal/logging"
	"github.com/dkosta/paycore/internal/provider"
	"github.com/dkosta/paycore/internal/registry"
	"github.com/dkosta/paycore/internal/risk"
	"github.com/dkosta/paycore/internal/routing"
)

type fixture struct {
	svc  *Service
	reg  *registry.Registry
	sims map[string]*provider.Simulator
}

func newFixture(t *testing.T, gateways ...registry.Gateway) *fixture {
	t.Helper()
	reg := registry.New()
	sims := make(map[string]*provider.Simulator)
	invokers := make(map[string]provider.Invoker)
	for _, g := range gateways {
		reg.Upsert(g)
		if _, ok := sims[g.Provider]; !ok {
			sim := provider.NewSimulator(g.Provider)
			sims[g.Provider] = sim
			invokers[g.Provider] = sim
		}
	}

	svc := NewService(
		NewMemoryStore(),
		risk.NewEngine(risk.NewMemoryStore()),
		routing.New(reg),
		reg,
		circuitbreaker.NewBank(circuitbreaker.DefaultThresholds()),
		invokers,
		logging.Discard(),
	)
	// Weekday afternoon keeps the time-of-day risk factor low.
	svc.now = func() time.Time { return time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC) }
	return &fixture{svc: svc, reg: reg, sims: sims}
}

func simGateway(id, providerName string) registry.Gateway {
	return registry.Gateway{
		ID:         id,
		Provider:   providerName,
		Active:     true,
		Priority:   1,
		Methods:    []string{"card", "bank_transfer"},
		Currencies: []string{"USD"},
		MinAmount:  1,
		MaxAmount:  10_000,
		FeeRate:    0.02,
	}
}

func okRequest() PaymentRequest {
	return PaymentRequest{
		TenantID:   "t1",
		CustomerID: "cust_1",
		Amount:     120,
		Currency:   "USD",
		Method:     "card",
		SourceIP:   "203.0.113.5",
	}
}

func TestProcessPayment_Success(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusSuccess {
		t.Fatalf("status = %s, reason = %s", tx.Status, tx.FailureReason)
	}
	if tx.GatewayRef == "" || tx.GatewayResponse == "" {
		t.Fatal("provider correlation missing")
	}
	if tx.GatewayID != "gw_sim" {
		t.Fatalf("gateway = %s", tx.GatewayID)
	}

	stored, err := f.svc.Get(context.Background(), tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusSuccess {
		t.Fatal("terminal status not persisted")
	}
	if len(stored.Audit) == 0 {
		t.Fatal("audit trail missing")
	}

	g, _ := f.reg.Get("gw_sim")
	if g.SampleCount != 1 {
		t.Fatalf("registry outcome not recorded, samples = %d", g.SampleCount)
	}
}

func TestProcessPayment_ValidationRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	bad := []PaymentRequest{
		{TenantID: "t1", Amount: 0, Currency: "USD", Method: "card"},
		{TenantID: "t1", Amount: -5, Currency: "USD", Method: "card"},
		{TenantID: "t1", Amount: 10, Currency: "DOLLARS", Method: "card"},
		{TenantID: "t1", Amount: 10, Currency: "USD", Method: "iou"},
		{Amount: 10, Currency: "USD", Method: "card"},
	}
	for _, req := range bad {
		if _, err := f.svc.ProcessPayment(context.Background(), req); !errors.Is(err, ErrValidation) {
			t.Fatalf("req %+v: expected ErrValidation, got %v", req, err)
		}
	}
	if f.sims["simulator"].Calls() != 0 {
		t.Fatal("rejected requests must not reach a gateway")
	}
}

func TestProcessPayment_AmountPolicyEnforced(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))
	f.svc.WithAmountPolicy("USD", 100, 10_000)

	over := okRequest()
	over.Amount = 75_000
	if _, err := f.svc.ProcessPayment(context.Background(), over); !errors.Is(err, ErrValidation) {
		t.Fatalf("amount above maximum: expected ErrValidation, got %v", err)
	}

	under := okRequest()
	under.Amount = 50
	if _, err := f.svc.ProcessPayment(context.Background(), under); !errors.Is(err, ErrValidation) {
		t.Fatalf("amount below minimum: expected ErrValidation, got %v", err)
	}

	if f.sims["simulator"].Calls() != 0 {
		t.Fatal("out-of-range amounts must not reach a gateway")
	}

	ok := okRequest()
	ok.Amount = 500
	tx, err := f.svc.ProcessPayment(context.Background(), ok)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusSuccess {
		t.Fatalf("in-range amount: status = %s, reason = %s", tx.Status, tx.FailureReason)
	}
}

func TestProcessPayment_DefaultCurrencyApplied(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	req := okRequest()
	req.Currency = ""
	tx, err := f.svc.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", tx.Currency)
	}
}

func TestProcessPayment_NoEligibleGatewayFails(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	req := okRequest()
	req.Amount = 9_999_999 // outside every gateway's range
	tx, err := f.svc.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (never blocked)", tx.Status)
	}
	if tx.FailureReason != ReasonNoEligibleGateway {
		t.Fatalf("reason = %q", tx.FailureReason)
	}
	if f.sims["simulator"].Calls() != 0 {
		t.Fatal("no gateway should have been invoked")
	}
}

func TestProcessPayment_RiskBlockedSkipsGateway(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))
	// Raise the gateway ceiling so eligibility cannot mask the block.
	g := simGateway("gw_sim", "simulator")
	g.MaxAmount = 1_000_000
	g.Methods = append(g.Methods, "crypto")
	f.reg.Upsert(g)

	// Overnight clock plus a flooded source address pushes the aggregate
	// score past the blocking threshold.
	f.svc.now = func() time.Time { return time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) }

	req := PaymentRequest{
		TenantID: "t1",
		Amount:   75_000,
		Currency: "USD",
		Method:   "crypto",
		SourceIP: "198.51.100.7",
	}
	for i := 0; i < 50; i++ {
		f.svc.risk.RecordRequest(req.SourceIP)
	}

	tx, err := f.svc.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusBlocked {
		t.Fatalf("status = %s (score %.1f)", tx.Status, tx.RiskScore)
	}
	if f.sims["simulator"].Calls() != 0 {
		t.Fatal("blocked transactions must never reach a gateway")
	}

	// Blocked is terminal: no retry.
	if _, err := f.svc.RetryTransaction(context.Background(), tx.ID); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected ErrRetryNotAllowed, got %v", err)
	}
}

func TestProcessPayment_BreakerOpenFailsFast(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	for i := 0; i < 5; i++ {
		f.svc.breakers.RecordFailure("gw_sim")
	}
	if f.svc.breakers.State("gw_sim") != circuitbreaker.StateOpen {
		t.Fatal("breaker not open")
	}

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusFailed || tx.FailureReason != ReasonServiceUnavailable {
		t.Fatalf("status = %s, reason = %q", tx.Status, tx.FailureReason)
	}
	if f.sims["simulator"].Calls() != 0 {
		t.Fatal("open breaker must short-circuit the call")
	}

	// A call that never reached the gateway must not touch its stats.
	g, _ := f.reg.Get("gw_sim")
	if g.SampleCount != 0 {
		t.Fatalf("registry samples = %d", g.SampleCount)
	}
}

func TestProcessPayment_GatewayFailureFeedsBreaker(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))
	f.sims["simulator"].Fail.Store(true)

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("status = %s", tx.Status)
	}

	stats := f.svc.breakers.Stats("gw_sim")
	if stats.Failures != 1 {
		t.Fatalf("breaker failures = %d", stats.Failures)
	}
	g, _ := f.reg.Get("gw_sim")
	if g.SampleCount != 1 || g.SuccessRate != 0 {
		t.Fatalf("registry stats = %d samples, rate %f", g.SampleCount, g.SuccessRate)
	}
}

type slowInvoker struct{ name string }

func (s *slowInvoker) Name() string { return s.name }

func (s *slowInvoker) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessPayment_TimeoutReportsBreakerFailure(t *testing.T) {
	f := newFixture(t, simGateway("gw_slow", "slow"))
	f.svc.invokers["slow"] = &slowInvoker{name: "slow"}
	f.svc.WithLimits(3, 20*time.Millisecond)

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusFailed || tx.FailureReason != ReasonTimeout {
		t.Fatalf("status = %s, reason = %q", tx.Status, tx.FailureReason)
	}
	if f.svc.breakers.Stats("gw_slow").Failures != 1 {
		t.Fatal("timeout must count as a breaker failure")
	}
}

func TestRetryTransaction_ExcludesAttemptedGateway(t *testing.T) {
	f := newFixture(t, simGateway("gw_a", "simA"), simGateway("gw_b", "simB"))
	f.sims["simA"].Fail.Store(true)
	f.sims["simB"].Fail.Store(true)

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusFailed {
		t.Fatalf("status = %s", tx.Status)
	}
	first := tx.GatewayID

	// Let the other gateway succeed on retry.
	other := "simB"
	if first == "gw_b" {
		other = "simA"
	}
	f.sims[other].Fail.Store(false)

	retried, err := f.svc.RetryTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != StatusSuccess {
		t.Fatalf("retry status = %s, reason = %q", retried.Status, retried.FailureReason)
	}
	if retried.GatewayID == first {
		t.Fatal("retry must exclude the previously attempted gateway")
	}
	if retried.RetryCount != 1 {
		t.Fatalf("retry count = %d", retried.RetryCount)
	}
	if len(retried.AttemptedGateways) != 2 {
		t.Fatalf("attempted = %v", retried.AttemptedGateways)
	}
}

func TestRetryTransaction_Exhaustion(t *testing.T) {
	f := newFixture(t,
		simGateway("gw_a", "simA"),
		simGateway("gw_b", "simB"),
		simGateway("gw_c", "simC"),
	)
	for _, sim := range f.sims {
		sim.Fail.Store(true)
	}
	f.svc.WithLimits(2, time.Second)

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		tx, err = f.svc.RetryTransaction(context.Background(), tx.ID)
		if err != nil {
			t.Fatal(err)
		}
		if tx.Status != StatusFailed {
			t.Fatalf("attempt %d status = %s", i, tx.Status)
		}
	}

	if _, err := f.svc.RetryTransaction(context.Background(), tx.ID); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
}

func TestRetryTransaction_SuccessNotRetryable(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RetryTransaction(context.Background(), tx.ID); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected ErrRetryNotAllowed, got %v", err)
	}
}

func TestApplyGatewayUpdate_NonTerminalAdvances(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	now := f.svc.now()
	tx := &Transaction{
		ID:        "txn_async",
		TenantID:  "t1",
		Amount:    50,
		Currency:  "USD",
		Method:    "card",
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.svc.store.Save(context.Background(), tx); err != nil {
		t.Fatal(err)
	}

	updated, err := f.svc.ApplyGatewayUpdate(context.Background(), GatewayUpdate{
		TransactionID: "txn_async",
		Status:        StatusSuccess,
		GatewayRef:    "ref_9",
		Source:        "webhook",
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusSuccess || updated.GatewayRef != "ref_9" {
		t.Fatalf("update not applied: %+v", updated)
	}
}

func TestApplyGatewayUpdate_TerminalIsMonotone(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	tx, err := f.svc.ProcessPayment(context.Background(), okRequest())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != StatusSuccess {
		t.Fatalf("status = %s", tx.Status)
	}

	after, err := f.svc.ApplyGatewayUpdate(context.Background(), GatewayUpdate{
		TransactionID: tx.ID,
		Status:        StatusFailed,
		Reason:        "late decline",
		Source:        "webhook",
	})
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != StatusSuccess {
		t.Fatalf("terminal status regressed to %s", after.Status)
	}
	var ignored bool
	for _, e := range after.Audit {
		if e.Action == "update_ignored" && strings.Contains(e.Detail, "failed") {
			ignored = true
		}
	}
	if !ignored {
		t.Fatal("ignored update must be recorded in the audit trail")
	}
}

func TestApplyGatewayUpdate_Validation(t *testing.T) {
	f := newFixture(t, simGateway("gw_sim", "simulator"))

	if _, err := f.svc.ApplyGatewayUpdate(context.Background(), GatewayUpdate{
		TransactionID: "txn_x",
		Status:        StatusPending,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := f.svc.ApplyGatewayUpdate(context.Background(), GatewayUpdate{
		TransactionID: "txn_missing",
		Status:        StatusSuccess,
	}); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
