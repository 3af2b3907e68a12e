// Package server wires the payment pipeline together and exposes it over HTTP.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/dkosta/paycore/internal/admin"
	"github.com/dkosta/paycore/internal/circuitbreaker"
	"github.com/dkosta/paycore/internal/config"
	"github.com/dkosta/paycore/internal/health"
	"github.com/dkosta/paycore/internal/loadbalancer"
	"github.com/dkosta/paycore/internal/logging"
	"github.com/dkosta/paycore/internal/metrics"
	"github.com/dkosta/paycore/internal/orchestrator"
	"github.com/dkosta/paycore/internal/provider"
	"github.com/dkosta/paycore/internal/ratelimit"
	"github.com/dkosta/paycore/internal/realtime"
	"github.com/dkosta/paycore/internal/reconciliation"
	"github.com/dkosta/paycore/internal/registry"
	"github.com/dkosta/paycore/internal/retry"
	"github.com/dkosta/paycore/internal/risk"
	"github.com/dkosta/paycore/internal/routing"
	"github.com/dkosta/paycore/internal/security"
	"github.com/dkosta/paycore/internal/validation"
	"github.com/dkosta/paycore/internal/watcher"
	"github.com/dkosta/paycore/internal/webhooks"
)

// Server wraps the HTTP server and its subsystems.
type Server struct {
	cfg          *config.Config
	registry     *registry.Registry
	routes       *routing.Engine
	riskEngine   *risk.Engine
	breakers     *circuitbreaker.Bank
	rateLimiter  *ratelimit.Limiter
	orchestrator *orchestrator.Service
	ingestor     *webhooks.Ingestor
	realtimeHub  *realtime.Hub
	healthTimer  *registry.Timer
	sweepTimer   *reconciliation.Timer
	prober       *watcher.Watcher // nil when no backend pools exist
	pools        map[string]*loadbalancer.Pool
	invokers     map[string]provider.Invoker
	checks       *health.Registry
	db           *sql.DB // nil when using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInvoker registers or replaces a provider invoker before wiring.
// Used by tests to substitute simulated gateways.
func WithInvoker(inv provider.Invoker) Option {
	return func(s *Server) {
		s.invokers[inv.Name()] = inv
	}
}

// New creates a server instance with all subsystems wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logging.New(cfg.LogLevel, cfg.LogFormat),
		pools:    make(map[string]*loadbalancer.Pool),
		invokers: make(map[string]provider.Invoker),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		txStore    orchestrator.Store
		eventStore webhooks.Store
		riskStore  risk.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up when the server starts.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = retry.Do(ctx, 5, time.Second, func() error {
			return db.PingContext(ctx)
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		txStore = orchestrator.NewPostgresStore(db)
		eventStore = webhooks.NewPostgresStore(db)
		riskStore = risk.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		txStore = orchestrator.NewMemoryStore()
		eventStore = webhooks.NewMemoryStore()
		riskStore = risk.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Core pipeline.
	s.registry = registry.New()
	s.routes = routing.New(s.registry)
	s.riskEngine = risk.NewEngine(riskStore)
	s.breakers = circuitbreaker.NewBank(circuitbreaker.Thresholds{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	s.rateLimiter = ratelimit.New([]ratelimit.Rule{{
		ID:       "default",
		Endpoint: "*",
		Method:   "*",
		Window:   cfg.RateLimitWindow,
		Limit:    cfg.RateLimitDefault,
		Priority: 0,
		Active:   true,
	}})

	s.setupInvokers()

	s.realtimeHub = realtime.NewHub(s.logger)
	emitter := realtime.NewTransactionEmitter(s.realtimeHub)

	s.orchestrator = orchestrator.NewService(
		txStore,
		s.riskEngine,
		s.routes,
		s.registry,
		s.breakers,
		s.invokers,
		s.logger,
	).WithEmitter(emitter).
		WithLimits(cfg.MaxRetries, cfg.GatewayTimeout).
		WithAmountPolicy(cfg.DefaultCurrency, cfg.MinAmount, cfg.MaxAmount)

	s.ingestor = webhooks.NewIngestor(
		eventStore,
		s.orchestrator,
		cfg.WebhookQueueSize,
		cfg.WebhookWorkers,
		cfg.WebhookMaxAttempts,
		cfg.WebhookBackoffBase,
		s.logger,
	).WithEmitter(emitter)
	s.seedConnectors()

	s.healthTimer = registry.NewTimer(s.registry, time.Minute, s.logger)
	sweeper := reconciliation.NewSweeper(eventStore, s.ingestor, s.logger)
	s.sweepTimer = reconciliation.NewTimer(sweeper, time.Minute, s.logger)
	if len(s.pools) > 0 {
		s.prober = watcher.New(watcher.DefaultConfig(), s.pools, s.logger)
	}

	s.setupHealthChecks()

	// HTTP layer.
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupInvokers builds the provider adapters gateways can reference.
// PROVIDER selects the outbound adapter; credentials present in the
// environment are ignored unless the knob names their provider. The
// simulator is always registered so development setups and test gateways
// work without external credentials.
func (s *Server) setupInvokers() {
	if _, ok := s.invokers["simulator"]; !ok {
		s.invokers["simulator"] = provider.NewSimulator("simulator")
	}
	switch s.cfg.Provider {
	case "stripe":
		if _, ok := s.invokers["stripe"]; !ok {
			s.invokers["stripe"] = provider.NewStripe(s.cfg.StripeAPIKey)
		}
	case "relay":
		backends := make([]loadbalancer.Backend, 0, len(s.cfg.RelayBackends))
		for _, u := range s.cfg.RelayBackends {
			backends = append(backends, loadbalancer.Backend{URL: u, Weight: 1, Healthy: true})
		}
		pool := loadbalancer.New("relay", loadbalancer.Strategy(s.cfg.RelayStrategy), backends)
		s.pools["relay"] = pool
		if _, ok := s.invokers["relay"]; !ok {
			s.invokers["relay"] = provider.NewRelay("relay", pool)
		}
	}
}

// seedConnectors installs one webhook connector per known provider so
// inbound callbacks have a binding before any admin configuration.
// Secrets arrive later via the admin surface; until then events are only
// accepted when ALLOW_UNVERIFIED_WEBHOOKS is on.
func (s *Server) seedConnectors() {
	connectors := make([]webhooks.Connector, 0, len(s.invokers))
	for name := range s.invokers {
		connectors = append(connectors, webhooks.Connector{
			ID:              "conn_" + name,
			Gateway:         name,
			Active:          true,
			AllowUnverified: s.cfg.AllowUnverifiedWebhooks,
		})
	}
	s.ingestor.SetConnectors(connectors)
}

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.checks.Register("webhook_queue", func(ctx context.Context) health.Status {
		depth, capacity := s.ingestor.QueueDepth()
		st := health.Status{Name: "webhook_queue", Healthy: true}
		if capacity > 0 && depth >= capacity {
			st.Healthy = false
			st.Detail = "queue full"
		}
		return st
	})

	s.checks.Register("gateways", func(ctx context.Context) health.Status {
		st := health.Status{Name: "gateways", Healthy: true}
		var active, unhealthy int
		for _, g := range s.registry.Snapshot() {
			if !g.Active {
				continue
			}
			active++
			if g.Health == registry.HealthUnhealthy {
				unhealthy++
			}
		}
		if active > 0 && unhealthy == active {
			st.Healthy = false
			st.Detail = "all active gateways unhealthy"
		}
		return st
	})
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with structured logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic recovered",
			"error", fmt.Sprintf("%v", recovered),
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.rateLimiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware assigns a request ID and threads it through the
// context logger.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Metrics endpoint is scraped constantly; don't log it
		if path == "/metrics" {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.checks.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time transaction streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	paymentHandler := orchestrator.NewHandler(s.orchestrator)
	paymentHandler.RegisterRoutes(v1)

	webhookHandler := webhooks.NewHandler(s.ingestor)
	webhookHandler.RegisterRoutes(v1)

	// Read-only operational state
	v1.GET("/gateways", s.listGatewaysHandler)
	v1.GET("/breakers", s.listBreakersHandler)

	// Admin surface: hot reload of gateways, rules, limits, connectors
	// and backends. Guarded by the shared admin secret.
	adminGroup := v1.Group("")
	adminGroup.Use(admin.RequireSecret(s.cfg.AdminSecret))
	adminHandler := admin.NewHandler().
		WithRegistry(s.registry).
		WithRouting(s.routes).
		WithLimiter(s.rateLimiter).
		WithBreakers(s.breakers).
		WithIngestor(s.ingestor).
		WithPools(s.pools)
	if s.cfg.IsProduction() {
		adminHandler = adminHandler.WithBackendValidator(security.ValidateEndpointURL)
	}
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	providers := make([]string, 0, len(s.invokers))
	for name := range s.invokers {
		providers = append(providers, name)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "paycore",
		"description": "Payment processing resilience core",
		"version":     "0.1.0",
		"providers":   providers,
	})
}

func (s *Server) listGatewaysHandler(c *gin.Context) {
	gws := s.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"gateways": gws, "count": len(gws)})
}

func (s *Server) listBreakersHandler(c *gin.Context) {
	stats := s.breakers.AllStats()
	c.JSON(http.StatusOK, gin.H{"breakers": stats, "count": len(stats)})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.ingestor.Start(runCtx)
	go s.healthTimer.Start(runCtx)
	go s.sweepTimer.Start(runCtx)
	if s.prober != nil {
		s.prober.Start(runCtx)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Drain in-flight webhook work before closing storage
	s.ingestor.Stop()
	s.logger.Info("webhook ingestor stopped")

	s.healthTimer.Stop()
	s.sweepTimer.Stop()

	if s.prober != nil {
		s.prober.Stop()
		s.logger.Info("backend prober stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Registry exposes the gateway registry for seeding in tests.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
