package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrInvalidModelFormat    = errors.New("invalid model format")
	ErrContextLengthExceeded = errors.New("context length exceeded")
)

// StatusClientClosedRequest is the sentinel recorded when the client
// disconnected before the response completed.
const StatusClientClosedRequest = 499

// APIError is the client-facing error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func invalidModelFormat(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Message: msg, Type: "invalid_request_error", Code: "invalid_model_format"}
}

func unsupportedModel(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Message: msg, Type: "invalid_request_error", Code: "unsupported_model"}
}

func quotaExceeded(msg string) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, Message: msg, Type: "quota_error", Code: "quota_exceeded"}
}

func contextLengthExceeded(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Message: msg, Type: "invalid_request_error", Code: "context_length_exceeded"}
}

func internalError(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Message: msg, Type: "internal_error", Code: "internal_error"}
}

func upstreamUnavailable(msg string) *APIError {
	return &APIError{Status: http.StatusBadGateway, Message: msg, Type: "upstream_error", Code: "upstream_error"}
}

// WriteError renders the OpenAI-style error body.
func WriteError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": apiErr,
	})
}
