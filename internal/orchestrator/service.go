package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkosta/paycore/internal/circuitbreaker"
	"github.com/dkosta/paycore/internal/idgen"
	"github.com/dkosta/paycore/internal/logging"
	"github.com/dkosta/paycore/internal/metrics"
	"github.com/dkosta/paycore/internal/provider"
	"github.com/dkosta/paycore/internal/registry"
	"github.com/dkosta/paycore/internal/risk"
	"github.com/dkosta/paycore/internal/routing"
	"github.com/dkosta/paycore/internal/syncutil"
	"github.com/dkosta/paycore/internal/traces"
	"github.com/dkosta/paycore/internal/validation"
)

// Emitter receives transaction lifecycle events for fan-out to live
// consumers. Implementations must not block.
type Emitter interface {
	EmitTransaction(tx *Transaction)
}

// Service is the transaction orchestrator.
type Service struct {
	store    Store
	risk     *risk.Engine
	router   *routing.Engine
	registry *registry.Registry
	breakers *circuitbreaker.Bank
	invokers map[string]provider.Invoker

	emitter         Emitter
	logger          *slog.Logger
	maxRetries      int
	gatewayTimeout  time.Duration
	defaultCurrency string
	minAmount       float64
	maxAmount       float64

	locks syncutil.ShardedMutex
	now   func() time.Time
}

// NewService wires the orchestrator. Invokers are keyed by provider name
// as referenced from gateway configuration.
func NewService(
	store Store,
	riskEngine *risk.Engine,
	router *routing.Engine,
	reg *registry.Registry,
	breakers *circuitbreaker.Bank,
	invokers map[string]provider.Invoker,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:           store,
		risk:            riskEngine,
		router:          router,
		registry:        reg,
		breakers:        breakers,
		invokers:        invokers,
		logger:          logger,
		maxRetries:      3,
		gatewayTimeout:  30 * time.Second,
		defaultCurrency: "USD",
		minAmount:       0.01,
		maxAmount:       1_000_000,
		now:             time.Now,
	}
}

// WithEmitter attaches a lifecycle event emitter.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// WithLimits overrides the retry budget and per-invocation timeout.
func (s *Service) WithLimits(maxRetries int, gatewayTimeout time.Duration) *Service {
	if maxRetries > 0 {
		s.maxRetries = maxRetries
	}
	if gatewayTimeout > 0 {
		s.gatewayTimeout = gatewayTimeout
	}
	return s
}

// WithAmountPolicy overrides the accepted amount range and the currency
// assumed when a request carries none.
func (s *Service) WithAmountPolicy(currency string, min, max float64) *Service {
	if currency != "" {
		s.defaultCurrency = validation.NormalizeCurrency(currency)
	}
	if min > 0 {
		s.minAmount = min
	}
	if max > s.minAmount {
		s.maxAmount = max
	}
	return s
}

// ProcessPayment runs the full pipeline for a new payment request. The
// returned transaction carries a terminal or in-flight status; pipeline
// failures are expressed on the transaction, not as an error. An error is
// returned only for malformed requests, which leave no record behind.
func (s *Service) ProcessPayment(ctx context.Context, req PaymentRequest) (*Transaction, error) {
	if req.Currency == "" {
		req.Currency = s.defaultCurrency
	}
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "orchestrator.ProcessPayment",
		traces.TenantID(req.TenantID),
		traces.Amount(req.Amount),
		traces.Currency(req.Currency),
	)
	defer span.End()

	now := s.now()
	tx := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
		InvoiceID:  req.InvoiceID,
		Amount:     req.Amount,
		Currency:   validation.NormalizeCurrency(req.Currency),
		Method:     req.Method,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
		Metadata:   req.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.audit(now, "created", fmt.Sprintf("%s %.2f via %s", tx.Currency, tx.Amount, tx.Method), "orchestrator")
	span.SetAttributes(traces.TransactionID(tx.ID))

	if req.SourceIP != "" {
		s.risk.RecordRequest(req.SourceIP)
	}
	assessment := s.risk.Score(ctx, &risk.TransactionContext{
		TransactionID: tx.ID,
		TenantID:      tx.TenantID,
		CustomerID:    tx.CustomerID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Method:        tx.Method,
		SourceIP:      req.SourceIP,
		At:            now,
	})
	tx.RiskScore = assessment.Score
	tx.RiskLevel = string(assessment.Level)
	span.SetAttributes(traces.RiskLevel(tx.RiskLevel))

	if assessment.Blocked {
		tx.Status = StatusBlocked
		tx.FailureReason = ReasonRiskBlocked
		tx.audit(s.now(), "blocked", fmt.Sprintf("risk score %.1f", assessment.Score), "risk")
		s.finalize(ctx, tx)
		return tx, nil
	}

	s.attempt(ctx, tx)
	s.finalize(ctx, tx)
	return tx, nil
}

// RetryTransaction re-runs gateway selection and invocation for a failed
// transaction, skipping previously attempted gateways. Each call consumes
// one unit of the retry budget regardless of how the attempt ends.
func (s *Service) RetryTransaction(ctx context.Context, id string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status %s", ErrRetryNotAllowed, tx.Status)
	}
	if tx.RetryCount >= tx.MaxRetries {
		return nil, fmt.Errorf("%w: %d attempts used", ErrRetryExhausted, tx.RetryCount)
	}

	ctx, span := traces.StartSpan(ctx, "orchestrator.RetryTransaction", traces.TransactionID(tx.ID))
	defer span.End()

	tx.RetryCount++
	tx.FailureReason = ""
	tx.audit(s.now(), "retry", fmt.Sprintf("attempt %d of %d", tx.RetryCount, tx.MaxRetries), "caller")

	s.attempt(ctx, tx)
	s.finalize(ctx, tx)
	return tx, nil
}

// Get returns the current transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ApplyGatewayUpdate folds an asynchronous gateway status report into a
// transaction. Terminal states never regress: an update against an already
// terminal transaction of a different status is recorded in the audit trail
// and otherwise ignored.
func (s *Service) ApplyGatewayUpdate(ctx context.Context, up GatewayUpdate) (*Transaction, error) {
	if up.Status != StatusSuccess && up.Status != StatusFailed {
		return nil, fmt.Errorf("%w: gateway update status %q", ErrValidation, up.Status)
	}

	unlock := s.locks.Lock(up.TransactionID)
	defer unlock()

	tx, err := s.store.Get(ctx, up.TransactionID)
	if err != nil {
		return nil, err
	}

	actor := up.Source
	if actor == "" {
		actor = "gateway"
	}
	if tx.Status.Terminal() {
		if tx.Status != up.Status {
			tx.audit(s.now(), "update_ignored", fmt.Sprintf("%s reported %s on terminal %s", actor, up.Status, tx.Status), actor)
			if err := s.store.Save(ctx, tx); err != nil {
				return nil, err
			}
		}
		return tx, nil
	}

	tx.Status = up.Status
	if up.GatewayRef != "" {
		tx.GatewayRef = up.GatewayRef
	}
	if up.RawPayload != "" {
		tx.GatewayResponse = up.RawPayload
	}
	if up.Status == StatusFailed {
		tx.FailureReason = up.Reason
	}
	tx.audit(s.now(), "gateway_update", string(up.Status), actor)
	s.finalize(ctx, tx)
	return tx, nil
}

// attempt runs selection, breaker gating and the outbound charge, mutating
// the transaction in place.
func (s *Service) attempt(ctx context.Context, tx *Transaction) {
	gw, err := s.router.SelectGateway(routing.Input{
		TenantID:   tx.TenantID,
		CustomerID: tx.CustomerID,
		Amount:     tx.Amount,
		Currency:   tx.Currency,
		Method:     tx.Method,
		RiskScore:  tx.RiskScore,
		RiskLevel:  tx.RiskLevel,
	}, tx.attempted())
	if err != nil {
		if errors.Is(err, routing.ErrNoEligibleGateway) {
			s.fail(tx, ReasonNoEligibleGateway, "router")
			return
		}
		s.fail(tx, err.Error(), "router")
		return
	}

	tx.Status = StatusProcessing
	tx.GatewayID = gw.ID
	tx.Provider = gw.Provider
	tx.AttemptedGateways = append(tx.AttemptedGateways, gw.ID)
	tx.audit(s.now(), "routed", gw.ID, "router")

	if !s.breakers.CanExecute(gw.ID) {
		state := s.breakers.State(gw.ID)
		s.fail(tx, ReasonServiceUnavailable, "breaker")
		tx.audit(s.now(), "breaker_rejected", fmt.Sprintf("%s is %s", gw.ID, state), "breaker")
		return
	}

	invoker, ok := s.invokers[gw.Provider]
	if !ok {
		s.fail(tx, ReasonNoAdapter, "orchestrator")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	start := s.now()
	res, err := invoker.Charge(callCtx, provider.ChargeRequest{
		TransactionID: tx.ID,
		TenantID:      tx.TenantID,
		CustomerID:    tx.CustomerID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Method:        tx.Method,
		Metadata:      tx.Metadata,
	})
	latency := s.now().Sub(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.GatewayAttemptsTotal.WithLabelValues(gw.Provider, outcome).Inc()
	metrics.GatewayLatency.WithLabelValues(gw.Provider).Observe(latency.Seconds())
	if rerr := s.registry.RecordOutcome(gw.ID, err == nil, latency); rerr != nil {
		s.logger.Warn("record gateway outcome", "gateway", gw.ID, "error", rerr)
	}

	if err != nil {
		s.breakers.RecordFailure(gw.ID)
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		s.fail(tx, reason, "gateway")
		return
	}

	s.breakers.RecordSuccess(gw.ID)
	tx.Status = StatusSuccess
	tx.GatewayRef = res.ProviderRef
	tx.GatewayResponse = res.RawResponse
	tx.audit(s.now(), "charged", res.ProviderRef, "gateway")
}

func (s *Service) fail(tx *Transaction, reason, actor string) {
	tx.Status = StatusFailed
	tx.FailureReason = reason
	tx.audit(s.now(), "failed", reason, actor)
}

// finalize persists the transaction, bumps metrics and emits the lifecycle
// event.
func (s *Service) finalize(ctx context.Context, tx *Transaction) {
	tx.UpdatedAt = s.now()
	metrics.TransactionsTotal.WithLabelValues(string(tx.Status)).Inc()

	if err := s.store.Save(ctx, tx); err != nil {
		logging.L(ctx).Error("save transaction", "transaction", tx.ID, "error", err)
	}
	if s.emitter != nil {
		s.emitter.EmitTransaction(tx)
	}
	s.logger.Info("transaction updated",
		"transaction", tx.ID,
		"tenant", tx.TenantID,
		"status", tx.Status,
		"gateway", tx.GatewayID,
		"reason", tx.FailureReason,
	)
}

func (tx *Transaction) audit(at time.Time, action, detail, actor string) {
	tx.Audit = append(tx.Audit, AuditEntry{At: at, Action: action, Detail: detail, Actor: actor})
}

func (s *Service) validateRequest(req PaymentRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant required", ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !validation.IsValidAmount(req.Amount, s.minAmount, s.maxAmount) {
		return fmt.Errorf("%w: amount %.2f outside allowed range %.2f-%.2f",
			ErrValidation, req.Amount, s.minAmount, s.maxAmount)
	}
	if !validation.IsValidCurrency(validation.NormalizeCurrency(req.Currency)) {
		return fmt.Errorf("%w: currency %q", ErrValidation, req.Currency)
	}
	if !validation.IsKnownMethod(req.Method) {
		return fmt.Errorf("%w: payment method %q", ErrValidation, req.Method)
	}
	return nil
}
