package evaluation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType is the category of a DomainError.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeCompilation  ErrorType = "compilation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeTimeout      ErrorType = "timeout"
	ErrorTypeTypeCoercion ErrorType = "type_coercion"
	ErrorTypeUnsupported  ErrorType = "unsupported"
	ErrorTypeInternal     ErrorType = "internal"
)

// DomainError is a categorized failure of the rule pipeline. Messages holds
// one line per problem for validation and compilation errors.
type DomainError struct {
	Type     ErrorType
	Message  string
	Messages []string
	Err      error
	Details  map[string]any
}

// Error implements the error interface
func (e *DomainError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Type, e.Message)
	if len(e.Messages) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type, so the sentinels below work
// with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{Type: errType, Message: message, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrValidation   = NewDomainError(ErrorTypeValidation, "validation failed", nil)
	ErrCompilation  = NewDomainError(ErrorTypeCompilation, "compilation failed", nil)
	ErrNotFound     = NewDomainError(ErrorTypeNotFound, "not found", nil)
	ErrTimeout      = NewDomainError(ErrorTypeTimeout, "evaluation timed out", nil)
	ErrTypeCoercion = NewDomainError(ErrorTypeTypeCoercion, "type coercion failed", nil)
	ErrUnsupported  = NewDomainError(ErrorTypeUnsupported, "unsupported rule", nil)
	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// NewValidationError reports rejected rule source or request fields.
func NewValidationError(message string, messages []string) *DomainError {
	return &DomainError{Type: ErrorTypeValidation, Message: message, Messages: messages}
}

// NewCompilationError reports verifier or compiler diagnostics.
func NewCompilationError(message string, messages []string) *DomainError {
	return &DomainError{Type: ErrorTypeCompilation, Message: message, Messages: messages}
}

// NewNotFoundError reports a missing rule.
func NewNotFoundError(format string, args ...any) *DomainError {
	return NewDomainError(ErrorTypeNotFound, fmt.Sprintf(format, args...), nil)
}

// TypeOf returns the category of err, or ErrorTypeInternal when err is not a
// DomainError.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ErrorTypeInternal
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
