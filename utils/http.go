package utils

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse wraps successful payloads under "data"
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// errorCodes maps statuses to the machine-readable "error" field. Anything
// not listed is reported as internal_error.
var errorCodes = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusForbidden:             "forbidden",
	http.StatusNotFound:              "not_found",
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusTooManyRequests:       "rate_limit_exceeded",
	http.StatusBadGateway:            "bad_gateway",
	http.StatusServiceUnavailable:    "service_unavailable",
	http.StatusGatewayTimeout:        "gateway_timeout",
}

// WriteJSON writes data as JSON with the given status. A nil data writes
// headers only.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(data)
}

func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, SuccessResponse{Data: data})
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError writes an ErrorResponse whose code is derived from status
func WriteError(w http.ResponseWriter, status int, message string, details map[string]interface{}) error {
	code, ok := errorCodes[status]
	if !ok {
		code = "internal_error"
	}
	return WriteJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
		Details: details,
	})
}

func writeErrorOr(w http.ResponseWriter, status int, message, fallback string, details map[string]interface{}) error {
	if message == "" {
		message = fallback
	}
	return WriteError(w, status, message, details)
}

func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusBadRequest, message, details)
}

func WriteUnauthorized(w http.ResponseWriter, message string) error {
	return writeErrorOr(w, http.StatusUnauthorized, message, "Authentication required", nil)
}

func WriteForbidden(w http.ResponseWriter, message string) error {
	return writeErrorOr(w, http.StatusForbidden, message, "Access forbidden", nil)
}

func WriteNotFound(w http.ResponseWriter, message string) error {
	return writeErrorOr(w, http.StatusNotFound, message, "Resource not found", nil)
}

func WriteConflict(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteError(w, http.StatusConflict, message, details)
}

func WriteTooManyRequests(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return writeErrorOr(w, http.StatusTooManyRequests, message, "Rate limit exceeded", details)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return writeErrorOr(w, http.StatusServiceUnavailable, message, "Service unavailable", details)
}

func WriteInternalServerError(w http.ResponseWriter, message string) error {
	return writeErrorOr(w, http.StatusInternalServerError, message, "Internal server error", nil)
}

// SetRetryAfter sets the Retry-After header in whole seconds, at least 1
func SetRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
