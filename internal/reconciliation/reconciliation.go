// Package reconciliation recovers webhook deliveries that lost their
// in-process retry timers, typically across a restart.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkosta/paycore/internal/webhooks"
)

// Requeuer puts a stored webhook event back on the delivery queue.
type Requeuer interface {
	Requeue(id string) bool
}

// Result holds the outcome of a single sweep.
type Result struct {
	Retrying int `json:"retrying"`
	Stale    int `json:"stale"`
	Requeued int `json:"requeued"`
	Dropped  int `json:"dropped"`
}

// Sweeper scans persisted webhook events and re-enqueues the ones whose
// scheduled retry is due. Retry timers live only in memory, so events in
// retrying state with a past NextAttempt would otherwise wait forever.
// Events stuck in processing beyond staleAfter are treated the same way;
// a worker that died mid-delivery never writes a terminal status.
type Sweeper struct {
	store      webhooks.Store
	requeue    Requeuer
	logger     *slog.Logger
	batchLimit int
	staleAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a sweeper over the given event store and queue.
func NewSweeper(store webhooks.Store, requeue Requeuer, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		requeue:    requeue,
		logger:     logger,
		batchLimit: 200,
		staleAfter: 5 * time.Minute,
		now:        time.Now,
	}
}

// Sweep runs one pass over retrying and stale processing events.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	start := s.now()
	result := &Result{}

	retrying, err := s.store.ListByStatus(ctx, webhooks.StatusRetrying, s.batchLimit)
	if err != nil {
		sweepErrors.Inc()
		return nil, fmt.Errorf("list retrying events: %w", err)
	}
	result.Retrying = len(retrying)
	sweepPendingRetries.Set(float64(len(retrying)))

	now := s.now()
	for _, event := range retrying {
		if event.NextAttempt.After(now) {
			continue
		}
		s.enqueue(event.ID, result)
	}

	processing, err := s.store.ListByStatus(ctx, webhooks.StatusProcessing, s.batchLimit)
	if err != nil {
		sweepErrors.Inc()
		return nil, fmt.Errorf("list processing events: %w", err)
	}
	cutoff := now.Add(-s.staleAfter)
	for _, event := range processing {
		if event.UpdatedAt.After(cutoff) {
			continue
		}
		result.Stale++
		s.enqueue(event.ID, result)
	}

	sweepDuration.Observe(s.now().Sub(start).Seconds())
	if result.Requeued > 0 || result.Dropped > 0 {
		s.logger.Info("reconciliation sweep",
			"retrying", result.Retrying,
			"stale", result.Stale,
			"requeued", result.Requeued,
			"dropped", result.Dropped,
		)
	}
	return result, nil
}

func (s *Sweeper) enqueue(id string, result *Result) {
	if s.requeue.Requeue(id) {
		result.Requeued++
		sweepRequeued.Inc()
		return
	}
	result.Dropped++
	s.logger.Warn("reconciliation requeue dropped", "event", id)
}
