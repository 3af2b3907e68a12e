// Package admin provides secret-guarded endpoints for hot-reloading
// runtime configuration: gateways, routing rules, rate limits, webhook
// connectors, and relay backends.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConnectorUpdate mirrors webhooks.Connector but exposes the shared
// secret, which the connector type never serializes.
type ConnectorUpdate struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenantId"`
	Gateway         string `json:"gateway"`
	Secret          string `json:"secret"`
	Active          bool   `json:"active"`
	AllowUnverified bool   `json:"allowUnverified"`
}

// ThresholdUpdate carries per-service breaker overrides.
type ThresholdUpdate struct {
	FailureThreshold int    `json:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold"`
	RecoveryTimeout  string `json:"recoveryTimeout"` // Go duration string, e.g. "60s"
}

// RequireSecret rejects requests whose X-Admin-Secret header does not
// match. An empty configured secret disables the admin surface entirely.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled; set ADMIN_SECRET to enable them",
			})
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing X-Admin-Secret header",
			})
			return
		}
		c.Next()
	}
}
