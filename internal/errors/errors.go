// Package errors provides structured error types for strata.
// All errors include a category, code, message, and retryable flag so that
// ingestion and materialization can report failures per unit and per view.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryProjection ErrorCategory = "PROJECTION"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryArchive    ErrorCategory = "ARCHIVE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeSchemaViolation  = "SCHEMA_VIOLATION"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeInvalidCandidate = "INVALID_CANDIDATE"
	CodeInvalidConfig    = "INVALID_CONFIG"

	// Storage codes
	CodeStorageIOFailure = "STORAGE_IO_FAILURE"
	CodeBusy             = "BUSY"

	// Projection codes
	CodeProjectorFailure = "PROJECTOR_FAILURE"
	CodeUnknownView      = "UNKNOWN_VIEW"
	CodeDependencyCycle  = "DEPENDENCY_CYCLE"

	// Query codes
	CodeInvalidFilter = "INVALID_FILTER"

	// Archive codes
	CodeSegmentCorrupt  = "SEGMENT_CORRUPT"
	CodeArchiveMismatch = "ARCHIVE_MISMATCH"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StrataError is the structured error type used throughout the system.
type StrataError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StrataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StrataError) Is(target error) bool {
	var t *StrataError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StrataError.
func New(category ErrorCategory, code, message string) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StrataError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StrataError {
	return &StrataError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StrataError) WithDetails(details map[string]interface{}) *StrataError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCategory(err error) ErrorCategory {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StrataError.
func GetCode(err error) string {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsSchemaViolation reports whether err is a payload or candidate validation failure.
func IsSchemaViolation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// IsProjectorFailure reports whether err came from a projector.
func IsProjectorFailure(err error) bool {
	return GetCategory(err) == ErrCategoryProjection && GetCode(err) == CodeProjectorFailure
}

// isRetryable determines if an error code is retryable.
// Storage failures are safe to retry because appends are deduplicated.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStorageIOFailure:
		return true
	case category == ErrCategoryStorage && code == CodeBusy:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewSchemaViolation(eventType, message string, cause error) *StrataError {
	return Wrap(ErrCategoryValidation, CodeSchemaViolation, message, cause).
		WithDetails(map[string]interface{}{"event_type": eventType})
}

func NewValidationError(code, message string) *StrataError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryStorage, CodeStorageIOFailure, message, cause)
}

func NewProjectorFailure(view string, seq uint64, cause error) *StrataError {
	return Wrap(ErrCategoryProjection, CodeProjectorFailure,
		fmt.Sprintf("view %s failed at seq %d", view, seq), cause).
		WithDetails(map[string]interface{}{"view": view, "seq": seq})
}

func NewProjectionError(code, message string) *StrataError {
	return New(ErrCategoryProjection, code, message)
}

func NewQueryError(code, message string) *StrataError {
	return New(ErrCategoryQuery, code, message)
}

func NewArchiveError(code, message string, cause error) *StrataError {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewInternalError(message string, cause error) *StrataError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
