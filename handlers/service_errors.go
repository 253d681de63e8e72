package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/utils"
)

// HandleServiceError maps domain errors to HTTP responses. Governance
// rejections carry a machine-readable code in details and, where the
// service supplied one, a Retry-After header.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	// A tenant context error is a caller bug, never a client problem.
	var ctxErr *tenant.ContextError
	if errors.As(err, &ctxErr) {
		logger.Error("tenant context error", zap.Error(err))
		logWriteError(logger, utils.WriteInternalServerError(w, "An internal error occurred"))
		return
	}

	var domainErr *services.DomainError
	if !errors.As(err, &domainErr) {
		logger.Error("unhandled error type", zap.Error(err))
		logWriteError(logger, utils.WriteInternalServerError(w, "An unexpected error occurred"))
		return
	}

	details := domainErr.Details
	if len(details) == 0 {
		details = nil
	}
	message := domainErr.Message
	if retry, ok := services.GetRetryAfter(err); ok {
		utils.SetRetryAfter(w, retry)
	}

	var writeErr error
	switch domainErr.Type {
	case services.ErrorTypeNotFound:
		writeErr = utils.WriteNotFound(w, message)

	case services.ErrorTypeValidation:
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.ErrorTypeUnauthorized:
		writeErr = utils.WriteUnauthorized(w, message)

	case services.ErrorTypeForbidden, services.ErrorTypePolicyViolation,
		services.ErrorTypeExecutionDisabled, services.ErrorTypeApprovalRequired:
		writeErr = utils.WriteError(w, http.StatusForbidden, message, details)

	case services.ErrorTypeRateLimit, services.ErrorTypeQuotaExceeded:
		writeErr = utils.WriteTooManyRequests(w, message, details)

	case services.ErrorTypeConflict, services.ErrorTypeIdempotencyConflict:
		writeErr = utils.WriteConflict(w, message, details)

	case services.ErrorTypeUnavailable:
		writeErr = utils.WriteServiceUnavailable(w, message, details)

	case services.ErrorTypeTimeout:
		writeErr = utils.WriteError(w, http.StatusGatewayTimeout, message, details)

	case services.ErrorTypeExternal:
		logger.Warn("external provider error", zap.Error(err))
		writeErr = utils.WriteError(w, http.StatusBadGateway, message, details)

	case services.ErrorTypeInternal, services.ErrorTypeTenantContext:
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(domainErr.Type)))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}
	logWriteError(logger, writeErr)

	logger.Debug("handled service error",
		zap.String("type", string(domainErr.Type)),
		zap.String("message", domainErr.Message),
		zap.Any("details", domainErr.Details))
}

func logWriteError(logger *zap.Logger, err error) {
	if err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
