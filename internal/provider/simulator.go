package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dkosta/paycore/internal/idgen"
)

// Simulator approves or declines charges without any network call. Used in
// development deployments and in tests that assert on invocation counts.
type Simulator struct {
	name  string
	calls atomic.Int64

	// Fail makes the next charges return an error until cleared.
	Fail atomic.Bool
}

// NewSimulator creates a simulator adapter.
func NewSimulator(name string) *Simulator {
	return &Simulator{name: name}
}

func (s *Simulator) Name() string { return s.name }

func (s *Simulator) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Fail.Load() {
		return nil, fmt.Errorf("%w: simulated decline", ErrDeclined)
	}
	return &ChargeResult{
		ProviderRef: idgen.WithPrefix("sim_"),
		RawResponse: fmt.Sprintf(`{"approved":true,"amount":%.2f,"currency":%q}`, req.Amount, req.Currency),
	}, nil
}

// Calls reports how many charges were attempted.
func (s *Simulator) Calls() int64 { return s.calls.Load() }
