// Package schema registers the payload document type of every event type and
// validates candidate payloads against it.
package schema

import (
	"fmt"
	"strings"
)

// ValidationError represents a single payload validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// errs accumulates validation errors for one payload.
type errs ValidationErrors

func (e *errs) add(field, format string, args ...interface{}) {
	*e = append(*e, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *errs) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		e.add(field, "%s is required and cannot be empty", field)
	}
}

func (e *errs) nonNegative(field string, value int) {
	if value < 0 {
		e.add(field, "%s must be >= 0, got %d", field, value)
	}
}

func (e errs) result() ValidationErrors {
	if len(e) == 0 {
		return nil
	}
	return ValidationErrors(e)
}
