// Package validation guards the API boundary: request size caps,
// resource ID shape checks and field-level request validation that
// reports every problem at once instead of failing on the first.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB. Payment payloads are
// tiny; anything larger is abuse or a client bug.
const MaxRequestSize = 1 << 20

var (
	// idRegex matches generated resource IDs such as
	// "bid_01hq3kz8v2n5tjw9r4m6x0c8ap": a short type prefix, an
	// underscore, then the lowercased ULID.
	idRegex = regexp.MustCompile(`^[a-z]+_[0-9a-z]{8,40}$`)

	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// RequestSizeMiddleware rejects oversized request bodies.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether id looks like an ID this service issued.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IDParamMiddleware rejects malformed :id route parameters before the
// handler runs, so stores never see lookup keys of arbitrary shape.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be a prefixed resource ID",
			})
			return
		}
		c.Next()
	}
}

// FieldError names one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every rejected field in a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// A Rule checks one field and reports nil when it passes.
type Rule func() *FieldError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if err := rule(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// ValidID accepts generated resource IDs. Empty values pass; pair with
// a binding:"required" tag when the field is mandatory.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "must be a valid resource ID (prefix_...)"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount accepts plain positive decimals ("250", "99.50"). It is
// the cheap field-shape check; money.Parse applies the currency's
// precision rules afterwards.
func ValidAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !amountRegex.MatchString(value) {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if !strings.ContainsFunc(value, func(r rune) bool { return r >= '1' && r <= '9' }) {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
