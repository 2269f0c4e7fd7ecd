package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// ErrBadRequest marks malformed request bodies and query parameters.
var ErrBadRequest = errors.New("BAD_REQUEST")

// APIError is an error that already carries its HTTP mapping.
type APIError struct {
	Code       string
	Message    string
	Details    any
	StatusCode int
}

// NewAPIError creates an APIError.
func NewAPIError(code, message string, statusCode int, details any) *APIError {
	return &APIError{Code: code, Message: message, Details: details, StatusCode: statusCode}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToAPIError maps err to a status code and an error envelope. Device
// failures carry the device response in details.
func ToAPIError(err error) (int, *Response) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, ErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	var details any
	var devErr *adapter.DeviceError
	if errors.As(err, &devErr) && devErr.Original != nil {
		details = map[string]any{"device": devErr.Original.Error()}
	}

	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, command.ErrParameter):
		return http.StatusBadRequest, ErrorResponse("BAD_REQUEST", err.Error(), details)
	case errors.Is(err, command.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse("TIMEOUT", "Device did not answer in time", details)
	case errors.Is(err, command.ErrSubmissionFailed), errors.Is(err, command.ErrBusy):
		return http.StatusServiceUnavailable, ErrorResponse("BUSY", "Service is busy, please retry with backoff", details)
	case errors.Is(err, command.ErrOperationFailed):
		return http.StatusBadGateway, ErrorResponse("OPERATION_FAILED", "Device reported a failure", details)
	case errors.Is(err, command.ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse("UNAVAILABLE", "Service is temporarily unavailable", details)
	default:
		return http.StatusInternalServerError, ErrorResponse("INTERNAL", "Internal server error", map[string]any{
			"original": err.Error(),
		})
	}
}
