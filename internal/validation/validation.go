// Package validation provides input validation for the payment API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// currencyRegex validates ISO 4217 alpha codes
var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Payment methods accepted at the request boundary. Gateway-level support
// is checked separately against each gateway's configuration.
var knownMethods = map[string]bool{
	"card":          true,
	"bank_transfer": true,
	"wallet":        true,
	"crypto":        true,
	"upi":           true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is a plausible ISO 4217 currency code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidAmount checks that an amount is positive and within sane bounds
func IsValidAmount(amount, min, max float64) bool {
	return amount > 0 && amount >= min && amount <= max
}

// IsKnownMethod checks if a payment method is one the platform understands
func IsKnownMethod(method string) bool {
	return knownMethods[strings.ToLower(method)]
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// NormalizeCurrency upper-cases a currency code
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
