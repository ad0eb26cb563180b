/**
 * @description
 * Error types of the backend gateway. A backend answer that is not a success becomes an
 * *APIError carrying the machine-readable reason; anything without an answer stays a
 * plain wrapped error so callers can tell the two apart.
 */
package gatewayclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Machine-readable reasons returned by the TAN server.
const (
	CodeWrongTAN      = "WRONG_TAN"
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	// CodeInvalidResponse marks a success answer whose body could not be decoded.
	CodeInvalidResponse = "INVALID_RESPONSE"
)

// ErrConsentIDRequired is returned before any I/O when a consent-scoped call has no consent id.
var ErrConsentIDRequired = errors.New("consent id is required")

// APIError is a non-2xx answer from one of the backends.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: backend returned status %d (%s)", e.Operation, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: backend returned status %d", e.Operation, e.StatusCode)
}

// errorBody accepts both {"error":{"message":"WRONG_TAN"}} and {"error":"WRONG_TAN"}.
type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseAPIError(operation string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{Operation: operation, StatusCode: statusCode}

	var envelope errorBody
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		apiErr.Detail = strings.TrimSpace(string(body))
		return apiErr
	}

	var detail errorDetail
	if err := json.Unmarshal(envelope.Error, &detail); err == nil {
		apiErr.Code = strings.TrimSpace(detail.Message)
		apiErr.Detail = detail.Detail
		return apiErr
	}

	var message string
	if err := json.Unmarshal(envelope.Error, &message); err == nil {
		apiErr.Code = strings.TrimSpace(message)
	}
	return apiErr
}

// ErrorCode returns the backend reason carried by err, or "" when err is not an APIError.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsTransportError reports whether err happened without any HTTP answer from the backend.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, ErrConsentIDRequired) {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
