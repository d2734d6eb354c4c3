package repo

import (
	"fmt"
	"time"
	"unicode/utf8"

	"servline/internal/domain"
)

// ValidationError reports a request field that failed validation. The server
// maps it to a 400 response.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const dateLayout = "2006-01-02"

// ValidateNewRequest checks a request before insertion. The now argument fixes
// the boundary for the requested date so tests stay deterministic.
func ValidateNewRequest(req domain.Request, now time.Time) error {
	if req.RequesterID == "" {
		return ValidationError{Field: "requesterId", Message: "required"}
	}
	if req.FulfillerID == "" {
		return ValidationError{Field: "fulfillerId", Message: "required"}
	}
	if req.Category == "" {
		return ValidationError{Field: "category", Message: "required"}
	}
	if n := utf8.RuneCountInString(req.Title); n < 5 || n > 100 {
		return ValidationError{Field: "title", Message: "must be between 5 and 100 characters"}
	}
	if n := utf8.RuneCountInString(req.Description); n < 10 || n > 1000 {
		return ValidationError{Field: "description", Message: "must be between 10 and 1000 characters"}
	}
	if req.Location.Street == "" {
		return ValidationError{Field: "location.street", Message: "required"}
	}
	if req.Location.City == "" {
		return ValidationError{Field: "location.city", Message: "required"}
	}
	if utf8.RuneCountInString(req.Location.State) != 2 {
		return ValidationError{Field: "location.state", Message: "must be a 2-letter code"}
	}
	d, err := time.Parse(dateLayout, req.RequestedDate)
	if err != nil {
		return ValidationError{Field: "requestedDate", Message: "must be a date in YYYY-MM-DD format"}
	}
	today, _ := time.Parse(dateLayout, now.UTC().Format(dateLayout))
	if d.Before(today) {
		return ValidationError{Field: "requestedDate", Message: "must be today or later"}
	}
	if req.EstimatedDurationHours != nil {
		if v := *req.EstimatedDurationHours; v < 0.5 || v > 24 {
			return ValidationError{Field: "estimatedDurationHours", Message: "must be between 0.5 and 24"}
		}
	}
	if req.Price != nil && *req.Price < 0 {
		return ValidationError{Field: "price", Message: "must not be negative"}
	}
	if req.NegotiatedPrice != nil && *req.NegotiatedPrice < 0 {
		return ValidationError{Field: "negotiatedPrice", Message: "must not be negative"}
	}
	return nil
}
