package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/chat"
	"github.com/komari-bot/komari/pkg/consolidation"
	"github.com/komari-bot/komari/pkg/knowledge"
	"github.com/komari-bot/komari/pkg/memory"
	"github.com/komari-bot/komari/pkg/store"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// InvalidField is a request parameter or body field that failed
// validation. It matches ErrInvalidInput.
type InvalidField struct {
	Field  string
	Reason string
}

func (e *InvalidField) Error() string {
	return e.Field + " " + e.Reason
}

func (e *InvalidField) Unwrap() error { return ErrInvalidInput }

// HTTPStatusFromError maps service errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, knowledge.ErrInvalidRecord),
		errors.Is(err, memory.ErrInvalidConversationID),
		errors.Is(err, memory.ErrEmptySummary),
		errors.Is(err, memory.ErrInvalidEntity),
		errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, buffer.ErrEmptyConversation):
		return http.StatusBadRequest
	case errors.Is(err, consolidation.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes err with the status derived from it. Internal errors
// are reported with a generic message; field errors name the field.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	var field *InvalidField
	if errors.As(err, &field) {
		ErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationFailed, field.Error(),
			map[string]any{"field": field.Field}, requestID)
		return
	}

	status := HTTPStatusFromError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	Error(w, status, ErrorCodeFromStatus(status), msg, requestID)
}
