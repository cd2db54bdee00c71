package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/TimurManjosov/gopolicy/internal/evaluation"
)

// ErrorCode represents machine-readable error codes
type ErrorCode string

const (
	// General error codes
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"
	ErrCodeInvalidJSON     ErrorCode = "INVALID_JSON"

	// Rule pipeline error codes
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeCompilation  ErrorCode = "COMPILATION_ERROR"
	ErrCodeTimeout      ErrorCode = "EVALUATION_TIMEOUT"
	ErrCodeTypeCoercion ErrorCode = "TYPE_COERCION_ERROR"
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED_RULE"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error     string            `json:"error"`                // HTTP status text
	Message   string            `json:"message"`              // Human-readable description
	Code      ErrorCode         `json:"code"`                 // Machine-readable error code
	Errors    []string          `json:"errors,omitempty"`     // Validator or compiler messages
	Fields    map[string]string `json:"fields,omitempty"`     // Field-level errors
	RequestID string            `json:"request_id,omitempty"` // Request ID for debugging
}

// NewErrorResponse creates a new error response
func NewErrorResponse(statusCode int, code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    code,
	}
}

// WithFields adds field-level errors to the response
func (e *ErrorResponse) WithFields(fields map[string]string) *ErrorResponse {
	e.Fields = fields
	return e
}

// WithErrors adds the individual messages of a validation or compilation failure
func (e *ErrorResponse) WithErrors(msgs []string) *ErrorResponse {
	e.Errors = msgs
	return e
}

// writeErrorResponse writes a structured error response to the http response writer
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errResp *ErrorResponse) {
	// Add request ID from chi middleware if available
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		errResp.RequestID = reqID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errResp)
}

// BadRequestError creates a bad request error response
func BadRequestError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	errResp := NewErrorResponse(http.StatusBadRequest, code, message)
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

// NotFoundError creates a not found error response
func NotFoundError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusNotFound, ErrCodeNotFound, message)
	writeErrorResponse(w, r, http.StatusNotFound, errResp)
}

// InternalError creates an internal server error response
func InternalError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusInternalServerError, ErrCodeInternal, message)
	writeErrorResponse(w, r, http.StatusInternalServerError, errResp)
}

// RequestTooLargeError creates a request entity too large error response
func RequestTooLargeError(w http.ResponseWriter, r *http.Request, message string) {
	errResp := NewErrorResponse(http.StatusRequestEntityTooLarge, ErrCodeRequestTooLarge, message)
	writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, errResp)
}

// RateLimitedError is the httprate limit handler.
func RateLimitedError(w http.ResponseWriter, r *http.Request) {
	errResp := NewErrorResponse(http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
	writeErrorResponse(w, r, http.StatusTooManyRequests, errResp)
}

// statusFor maps a domain error type to its HTTP status and code.
func statusFor(t evaluation.ErrorType) (int, ErrorCode) {
	switch t {
	case evaluation.ErrorTypeValidation:
		return http.StatusBadRequest, ErrCodeValidation
	case evaluation.ErrorTypeCompilation:
		return http.StatusBadRequest, ErrCodeCompilation
	case evaluation.ErrorTypeNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case evaluation.ErrorTypeTimeout:
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case evaluation.ErrorTypeTypeCoercion:
		return http.StatusUnprocessableEntity, ErrCodeTypeCoercion
	case evaluation.ErrorTypeUnsupported:
		return http.StatusUnprocessableEntity, ErrCodeUnsupported
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// DomainError writes err using the status of its domain error type. Errors
// that are not domain errors are reported as internal without their text.
func DomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *evaluation.DomainError
	if !errors.As(err, &de) {
		InternalError(w, r, "internal error")
		return
	}
	status, code := statusFor(de.Type)
	message := de.Message
	if de.Type == evaluation.ErrorTypeInternal {
		message = "internal error"
	}
	errResp := NewErrorResponse(status, code, message).WithErrors(de.Messages)
	if len(de.Details) > 0 {
		fields := make(map[string]string, len(de.Details))
		for k, v := range de.Details {
			fields[k] = toString(v)
		}
		errResp.WithFields(fields)
	}
	writeErrorResponse(w, r, status, errResp)
}
