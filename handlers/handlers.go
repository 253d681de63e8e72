// Package handlers holds the thin HTTP handlers of the control plane. They
// decode and validate requests, call a service and render the result;
// error rendering lives in HandleServiceError.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/services/inference"
	"github.com/upb/ai-control-plane/utils"
)

// maxRequestBody caps JSON request bodies
const maxRequestBody = 1 << 20

// callerFromRequest builds the caller from verified claims. It returns false
// and writes a 401 when the request is not authenticated.
func callerFromRequest(w http.ResponseWriter, r *http.Request) (inference.Caller, bool) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return inference.Caller{}, false
	}
	requestID := middleware.GetRequestIDFromContext(r.Context())
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = requestID
	}
	return inference.Caller{
		TenantID:      claims.TenantID,
		UserID:        claims.UserID,
		Roles:         claims.Roles,
		Permissions:   claims.Permissions,
		RequestID:     requestID,
		CorrelationID: correlationID,
	}, true
}

// decodeAndValidate parses a JSON body into dst and runs struct validation.
// On failure it writes the 400 response and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		msg := "Invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		_ = utils.WriteBadRequest(w, msg, nil)
		return false
	}

	if err := utils.ValidateStruct(dst); err != nil {
		logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}
