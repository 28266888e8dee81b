// Package validation provides input validation middleware for the voltrust API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/voltrust/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// serialRegex matches PREFIX-CATEGORY-YEAR-SEQUENCE
	serialRegex = regexp.MustCompile(`^[A-Z0-9]{1,16}-[A-Z0-9]{2,8}-[0-9]{4}-[0-9]{6,}$`)
	// idRegex matches the prefixed identifiers used for actors and records
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSerial checks the certificate serial shape.
func IsValidSerial(s string) bool {
	return serialRegex.MatchString(s)
}

// IsValidID checks an identifier path parameter.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the first failure into an apperr validation error, or nil.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Invalid(e[0].Field, e[0].Message)
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// SerialParamMiddleware rejects malformed :serial URL parameters before
// they reach a store lookup.
func SerialParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		serial := c.Param("serial")
		if serial != "" && !IsValidSerial(serial) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_serial",
				"message": "serial must look like PREFIX-CATEGORY-YEAR-000001",
			})
			return
		}
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id URL parameters.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
