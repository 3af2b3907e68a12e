package orchestrator

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkosta/paycore/internal/pagination"
)

// Handler provides HTTP endpoints for payment processing.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the payment boundary.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.ProcessPayment)
	r.GET("/payments/:id", h.GetTransaction)
	r.POST("/payments/:id/retry", h.RetryTransaction)
	r.GET("/payments", h.ListTransactions)
}

// ProcessPayment handles POST /v1/payments
func (h *Handler) ProcessPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": err.Error(),
		})
		return
	}
	if req.TenantID == "" {
		req.TenantID = c.GetHeader("X-Tenant-ID")
	}
	req.SourceIP = c.ClientIP()

	tx, err := h.service.ProcessPayment(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "validation_failed",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusCreated
	if tx.Status == StatusBlocked || tx.Status == StatusFailed {
		// The request was accepted and decided; the transaction record
		// carries the outcome.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/payments/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// RetryTransaction handles POST /v1/payments/:id/retry
func (h *Handler) RetryTransaction(c *gin.Context) {
	tx, err := h.service.RetryTransaction(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No transaction with this id",
		})
		return
	case errors.Is(err, ErrRetryExhausted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "retry_exhausted",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrRetryNotAllowed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_retryable",
			"message": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/payments?tenant=...&limit=...
func (h *Handler) ListTransactions(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		tenant = c.GetHeader("X-Tenant-ID")
	}
	if tenant == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "tenant is required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	txs, err := h.service.store.ListByTenant(c.Request.Context(), tenant, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	txs, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	resp := gin.H{"transactions": txs, "count": len(txs), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
