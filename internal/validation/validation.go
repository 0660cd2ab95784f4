package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"prize-wheel-api/internal/models"
)

var (
	dateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	keyRegex  = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// SanitizeString strips control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateDate checks a YYYY-MM-DD contest date.
func ValidateDate(date, fieldName string) error {
	if date == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if !dateRegex.MatchString(date) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be in YYYY-MM-DD format",
		}
	}

	if _, err := time.Parse("2006-01-02", date); err != nil {
		return &ValidationError{
			Field:   fieldName,
			Message: "is not a valid calendar date",
		}
	}

	return nil
}

// ValidateIdempotencyKey checks the client-supplied spin key. Keys are
// opaque but bounded to keep the reservation index sane.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return &ValidationError{
			Field:   "idempotency_key",
			Message: "is required",
		}
	}

	if !keyRegex.MatchString(key) {
		return &ValidationError{
			Field:   "idempotency_key",
			Message: "must be 8-128 characters of [A-Za-z0-9._:-]",
		}
	}

	return nil
}

// ValidateIdentifier checks the requester identifier attached to wins.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return &ValidationError{
			Field:   "identifier",
			Message: "is required",
		}
	}

	if len(identifier) > 128 {
		return &ValidationError{
			Field:   "identifier",
			Message: "cannot exceed 128 characters",
		}
	}

	return nil
}

// ValidateReplenish checks an admin replenish request.
func ValidateReplenish(req models.ReplenishRequest) error {
	if req.PrizeID < 1 {
		return &ValidationError{
			Field:   "prize_id",
			Message: "must be a positive integer",
		}
	}

	if err := ValidateDate(req.Date, "date"); err != nil {
		return err
	}

	if req.Quantity < 0 {
		return &ValidationError{
			Field:   "quantity",
			Message: "must be non-negative",
		}
	}

	maxQuantity := 100000
	if req.Quantity > maxQuantity {
		return &ValidationError{
			Field:   "quantity",
			Message: "exceeds maximum allowed quantity",
		}
	}

	return nil
}
