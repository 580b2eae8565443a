// Package validation provides input validation helpers for the payments API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// currencyRegex validates ISO-4217-style currency codes and common
// provider asset tickers (BTC, USDT, ...).
var currencyRegex = regexp.MustCompile(`^[A-Z]{2,10}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, limits length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAmount checks that a field is a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "must be a decimal amount"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// ValidCurrency checks that a field is an uppercase currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an uppercase currency code"}
		}
		return nil
	}
}

// MaxLen checks that a field does not exceed maxLen bytes.
func MaxLen(field, value string, maxLen int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > maxLen {
			return &ValidationError{Field: field, Message: "is too long"}
		}
		return nil
	}
}
