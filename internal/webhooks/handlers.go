package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for webhook receipt and inspection.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a new webhook handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes sets up the webhook boundary.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:gateway", h.Receive)
	r.GET("/webhooks/events/:id", h.GetEvent)
}

// Receive handles POST /v1/webhooks/:gateway
func (h *Handler) Receive(c *gin.Context) {
	gateway := c.Param("gateway")
	tenantID := c.GetHeader("X-Tenant-ID")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "unable to read payload",
		})
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Signature")
	}
	headers := map[string]string{
		"Content-Type":    c.GetHeader("Content-Type"),
		"User-Agent":      c.GetHeader("User-Agent"),
		"X-Forwarded-For": c.ClientIP(),
	}

	event, err := h.ingestor.Receive(c.Request.Context(), gateway, tenantID, headers, payload, signature)
	switch {
	case errors.Is(err, ErrUnknownConnector):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_gateway",
			"message": err.Error(),
		})
		return
	case errors.Is(err, ErrVerificationFailed):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "verification_failed",
			"message": "webhook signature could not be verified",
		})
		return
	case errors.Is(err, ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "overloaded",
			"message": "webhook queue is full, retry later",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": true,
		"event_id": event.ID,
		"status":   event.Status,
	})
}

// GetEvent handles GET /v1/webhooks/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	event, err := h.ingestor.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No webhook event with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": event})
}
