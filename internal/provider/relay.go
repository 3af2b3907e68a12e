package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dkosta/paycore/internal/loadbalancer"
)

const relayMaxResponseBytes = 64 << 10

// Relay forwards charges to an internal processing service that is itself
// horizontally replicated. Backend choice goes through the load balancer
// pool; connection accounting is paired on every exit path.
type Relay struct {
	name   string
	pool   *loadbalancer.Pool
	client *http.Client
}

// NewRelay creates a relay adapter over a backend pool.
func NewRelay(name string, pool *loadbalancer.Pool) *Relay {
	return &Relay{
		name:   name,
		pool:   pool,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Relay) Name() string { return r.name }

type relayResponse struct {
	Approved  bool   `json:"approved"`
	Reference string `json:"reference"`
	Reason    string `json:"reason,omitempty"`
}

func (r *Relay) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	backend, release, err := r.pool.Acquire()
	if err != nil {
		if errors.Is(err, loadbalancer.ErrNoBackendAvailable) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, r.name)
		}
		return nil, err
	}
	start := time.Now()
	var latency time.Duration
	defer func() { release(latency) }()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("relay encode: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, backend.URL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	latency = time.Since(start)
	if err != nil {
		r.pool.MarkHealth(backend.URL, false)
		return nil, fmt.Errorf("relay call %s: %w", backend.URL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, relayMaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("relay read: %w", err)
	}
	if resp.StatusCode >= 500 {
		r.pool.MarkHealth(backend.URL, false)
		return nil, fmt.Errorf("relay backend %s returned %d", backend.URL, resp.StatusCode)
	}

	var out relayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("relay decode: %w", err)
	}
	if !out.Approved {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, out.Reason)
	}
	return &ChargeResult{ProviderRef: out.Reference, RawResponse: string(raw)}, nil
}
