// Package watcher actively probes relay backends and feeds the results
// into their load balancer pools. Passive health marking (from failed
// charges) degrades a backend quickly; the prober is what brings it back.
package watcher

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkosta/paycore/internal/loadbalancer"
)

// Config for the backend health prober.
type Config struct {
	Interval time.Duration // time between probe rounds
	Timeout  time.Duration // per-probe HTTP timeout
	Path     string        // probe path appended to the backend URL
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  3 * time.Second,
		Path:     "/healthz",
	}
}

// Watcher probes every backend of the registered pools.
type Watcher struct {
	config Config
	pools  map[string]*loadbalancer.Pool
	client *http.Client
	logger *slog.Logger

	// Shutdown
	stop chan struct{}
	done chan struct{}
}

// New creates a backend health prober over the given pools.
func New(cfg Config, pools map[string]*loadbalancer.Pool, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return &Watcher{
		config: cfg,
		pools:  pools,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins probing. Non-blocking.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("backend prober started",
		"pools", len(w.pools),
		"interval", w.config.Interval,
	)
	go w.pollLoop(ctx)
}

// Stop stops the prober and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.probeAll(ctx)
		}
	}
}

func (w *Watcher) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, pool := range w.pools {
		for _, b := range pool.Snapshot() {
			wg.Add(1)
			go func(service string, p *loadbalancer.Pool, url string) {
				defer wg.Done()
				healthy := w.probe(ctx, url)
				p.MarkHealth(url, healthy)
				if !healthy {
					w.logger.Warn("backend probe failed", "service", service, "backend", url)
				}
			}(name, pool, b.URL)
		}
	}
	wg.Wait()
}

// probe performs one HTTP health check. Any 2xx counts as healthy.
func (w *Watcher) probe(ctx context.Context, backendURL string) bool {
	url := strings.TrimRight(backendURL, "/") + w.config.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
