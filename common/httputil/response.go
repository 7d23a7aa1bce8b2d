// Package httputil provides JSON request/response helpers shared by huntql handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/common/middleware"
)

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorBody is the uniform failure envelope returned by every endpoint.
type ErrorBody struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// WriteError classifies err and writes the uniform error body.
// The request ID is taken from the request context when present.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{
		Error:     err.Error(),
		Code:      string(apperr.CodeOf(err)),
		RequestID: middleware.GetRequestID(r.Context()),
	}
	if appErr := apperr.As(err); appErr != nil {
		body.Error = appErr.Message
		body.Details = appErr.Details
	}
	WriteJSON(w, statusFor(apperr.CodeOf(err)), body)
}

// WriteErrorCode writes the uniform error body with an explicit code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code apperr.Code, message string) {
	WriteJSON(w, statusFor(code), ErrorBody{
		Error:     message,
		Code:      string(code),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeSafetyRejected:
		return http.StatusUnprocessableEntity
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeExecutionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
