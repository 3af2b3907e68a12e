package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkosta/paycore/internal/circuitbreaker"
	"github.com/dkosta/paycore/internal/loadbalancer"
	"github.com/dkosta/paycore/internal/ratelimit"
	"github.com/dkosta/paycore/internal/registry"
	"github.com/dkosta/paycore/internal/routing"
	"github.com/dkosta/paycore/internal/webhooks"
)

// Handler serves the admin configuration endpoints.
type Handler struct {
	registry *registry.Registry
	router   *routing.Engine
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Bank
	ingestor *webhooks.Ingestor
	pools    map[string]*loadbalancer.Pool

	// validateBackend checks backend URLs before they are accepted.
	validateBackend func(string) error
}

// NewHandler creates an admin handler. Attach subsystems with the With* builders.
func NewHandler() *Handler {
	return &Handler{}
}

// WithRegistry enables gateway configuration endpoints.
func (h *Handler) WithRegistry(r *registry.Registry) *Handler {
	h.registry = r
	return h
}

// WithRouting enables routing rule endpoints.
func (h *Handler) WithRouting(e *routing.Engine) *Handler {
	h.router = e
	return h
}

// WithLimiter enables rate limit rule endpoints.
func (h *Handler) WithLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// WithBreakers enables circuit breaker inspection and tuning.
func (h *Handler) WithBreakers(b *circuitbreaker.Bank) *Handler {
	h.breakers = b
	return h
}

// WithIngestor enables webhook connector endpoints.
func (h *Handler) WithIngestor(in *webhooks.Ingestor) *Handler {
	h.ingestor = in
	return h
}

// WithPools enables relay backend endpoints, keyed by service name.
func (h *Handler) WithPools(pools map[string]*loadbalancer.Pool) *Handler {
	h.pools = pools
	return h
}

// WithBackendValidator sets a validator applied to each backend URL on
// replacement. Invalid URLs reject the whole update.
func (h *Handler) WithBackendValidator(fn func(string) error) *Handler {
	h.validateBackend = fn
	return h
}

// RegisterRoutes sets up admin routes. The group must already carry the
// secret middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/gateways", h.listGateways)
	r.PUT("/admin/gateways", h.replaceGateways)
	r.GET("/admin/routing/rules", h.listRules)
	r.PUT("/admin/routing/rules", h.replaceRules)
	r.GET("/admin/rate-limits", h.listRateLimits)
	r.PUT("/admin/rate-limits", h.replaceRateLimits)
	r.PUT("/admin/webhook-connectors", h.replaceConnectors)
	r.GET("/admin/breakers", h.listBreakers)
	r.PUT("/admin/breakers/:service", h.configureBreaker)
	r.GET("/admin/backends", h.listBackends)
	r.PUT("/admin/backends/:service", h.replaceBackends)
}

func (h *Handler) listGateways(c *gin.Context) {
	if h.registry == nil {
		notConfigured(c, "registry")
		return
	}
	gws := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{"gateways": gws, "count": len(gws)})
}

// replaceGateways swaps the full gateway set. Gateways that already exist
// keep their live health statistics; gateways absent from the new set are
// removed.
func (h *Handler) replaceGateways(c *gin.Context) {
	if h.registry == nil {
		notConfigured(c, "registry")
		return
	}

	var gws []registry.Gateway
	if err := c.ShouldBindJSON(&gws); err != nil {
		badBody(c, err)
		return
	}
	for i, g := range gws {
		if g.ID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_gateway",
				"message": "gateway at index " + strconv.Itoa(i) + " is missing an id",
			})
			return
		}
	}

	keep := make(map[string]bool, len(gws))
	for _, g := range gws {
		h.registry.Upsert(g)
		keep[g.ID] = true
	}
	for _, g := range h.registry.Snapshot() {
		if !keep[g.ID] {
			h.registry.Remove(g.ID)
		}
	}

	c.JSON(http.StatusOK, gin.H{"updated": len(gws)})
}

func (h *Handler) listRules(c *gin.Context) {
	if h.router == nil {
		notConfigured(c, "routing")
		return
	}
	rules := h.router.Rules()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (h *Handler) replaceRules(c *gin.Context) {
	if h.router == nil {
		notConfigured(c, "routing")
		return
	}
	var rules []routing.Rule
	if err := c.ShouldBindJSON(&rules); err != nil {
		badBody(c, err)
		return
	}
	h.router.SetRules(rules)
	c.JSON(http.StatusOK, gin.H{"updated": len(rules)})
}

func (h *Handler) listRateLimits(c *gin.Context) {
	if h.limiter == nil {
		notConfigured(c, "rate limiter")
		return
	}
	rules := h.limiter.Rules()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (h *Handler) replaceRateLimits(c *gin.Context) {
	if h.limiter == nil {
		notConfigured(c, "rate limiter")
		return
	}
	var rules []ratelimit.Rule
	if err := c.ShouldBindJSON(&rules); err != nil {
		badBody(c, err)
		return
	}
	h.limiter.SetRules(rules)
	c.JSON(http.StatusOK, gin.H{"updated": len(rules)})
}

func (h *Handler) replaceConnectors(c *gin.Context) {
	if h.ingestor == nil {
		notConfigured(c, "webhook ingestor")
		return
	}
	var updates []ConnectorUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		badBody(c, err)
		return
	}
	connectors := make([]webhooks.Connector, 0, len(updates))
	for _, u := range updates {
		connectors = append(connectors, webhooks.Connector{
			ID:              u.ID,
			TenantID:        u.TenantID,
			Gateway:         u.Gateway,
			Secret:          u.Secret,
			Active:          u.Active,
			AllowUnverified: u.AllowUnverified,
		})
	}
	h.ingestor.SetConnectors(connectors)
	c.JSON(http.StatusOK, gin.H{"updated": len(connectors)})
}

func (h *Handler) listBreakers(c *gin.Context) {
	if h.breakers == nil {
		notConfigured(c, "circuit breakers")
		return
	}
	stats := h.breakers.AllStats()
	c.JSON(http.StatusOK, gin.H{"breakers": stats, "count": len(stats)})
}

func (h *Handler) configureBreaker(c *gin.Context) {
	if h.breakers == nil {
		notConfigured(c, "circuit breakers")
		return
	}
	service := c.Param("service")

	var upd ThresholdUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badBody(c, err)
		return
	}
	t := circuitbreaker.Thresholds{
		FailureThreshold: upd.FailureThreshold,
		SuccessThreshold: upd.SuccessThreshold,
	}
	if upd.RecoveryTimeout != "" {
		d, err := time.ParseDuration(upd.RecoveryTimeout)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_duration",
				"message": "recoveryTimeout must be a duration string like 60s",
			})
			return
		}
		t.RecoveryTimeout = d
	}
	h.breakers.Configure(service, t)
	c.JSON(http.StatusOK, gin.H{"service": service, "configured": true})
}

func (h *Handler) listBackends(c *gin.Context) {
	if h.pools == nil {
		notConfigured(c, "load balancer")
		return
	}
	out := gin.H{}
	for name, pool := range h.pools {
		out[name] = pool.Snapshot()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) replaceBackends(c *gin.Context) {
	if h.pools == nil {
		notConfigured(c, "load balancer")
		return
	}
	service := c.Param("service")
	pool, ok := h.pools[service]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_service",
			"message": "No backend pool for service " + service,
		})
		return
	}
	var backends []loadbalancer.Backend
	if err := c.ShouldBindJSON(&backends); err != nil {
		badBody(c, err)
		return
	}
	if h.validateBackend != nil {
		for _, b := range backends {
			if err := h.validateBackend(b.URL); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_backend",
					"message": b.URL + ": " + err.Error(),
				})
				return
			}
		}
	}
	pool.SetBackends(backends)
	c.JSON(http.StatusOK, gin.H{"service": service, "updated": len(backends)})
}

func notConfigured(c *gin.Context, subsystem string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "not_configured",
		"message": subsystem + " is not configured",
	})
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}
