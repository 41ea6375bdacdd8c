package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/sessions"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string { return string(e.Type) + ": " + e.Message }

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError maps a service error onto the wire envelope and HTTP status.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	}

	switch {
	case errors.Is(err, sessions.ErrAlreadyActive):
		return &Error{Type: ErrConflict, Message: err.Error(), RequestID: requestID}, http.StatusConflict
	case errors.Is(err, sessions.ErrCapacity):
		return &Error{Type: ErrOverloaded, Message: err.Error(), RequestID: requestID}, http.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotFound):
		return &Error{Type: ErrNotFound, Message: err.Error(), RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, service.ErrSubjectRequired):
		return &Error{Type: ErrInvalidRequest, Message: err.Error(), RequestID: requestID}, http.StatusBadRequest
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(apiErr.Type)
	}

	// Unknown errors: do not leak details.
	return &Error{Type: ErrAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
