package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeUnauthorized        ErrorType = "unauthorized"
	ErrorTypeForbidden           ErrorType = "forbidden"
	ErrorTypeRateLimit           ErrorType = "rate_limit"
	ErrorTypeConflict            ErrorType = "conflict"
	ErrorTypeInternal            ErrorType = "internal"
	ErrorTypeExternal            ErrorType = "external"
	ErrorTypePolicyViolation     ErrorType = "policy_violation"
	ErrorTypeExecutionDisabled   ErrorType = "execution_disabled"
	ErrorTypeUnavailable         ErrorType = "unavailable"
	ErrorTypeTimeout             ErrorType = "timeout"
	ErrorTypeQuotaExceeded       ErrorType = "quota_exceeded"
	ErrorTypeTenantContext       ErrorType = "tenant_context"
	ErrorTypeIdempotencyConflict ErrorType = "idempotency_conflict"
	ErrorTypeApprovalRequired    ErrorType = "approval_required"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter records a retry hint, rendered as the Retry-After header.
func (e *DomainError) WithRetryAfter(d time.Duration) *DomainError {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return e.WithDetail("retry_after_seconds", secs)
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. These are sentinels for errors.Is comparisons;
// call NewDomainError to build an error that carries details.

var (
	// Not Found Errors
	ErrAuditEventNotFound = NewDomainError(ErrorTypeNotFound, "audit event not found", nil)
	ErrKillSwitchNotFound = NewDomainError(ErrorTypeNotFound, "kill switch not active", nil)

	// Validation Errors
	ErrInvalidInput          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrMissingIdempotencyKey = NewDomainError(ErrorTypeValidation, "Idempotency-Key header is required", nil)
	ErrInvalidUsageType      = NewDomainError(ErrorTypeValidation, "invalid usage type", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden      = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrTenantMismatch = NewDomainError(ErrorTypeForbidden, "tenant mismatch", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded         = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrRequestsPerMinuteExceeded = NewDomainError(ErrorTypeRateLimit, "requests per minute limit exceeded", nil)

	// Quota Errors
	ErrQuotaExceeded = NewDomainError(ErrorTypeQuotaExceeded, "usage quota exceeded", nil)

	// Conflict Errors
	ErrIncidentAlreadyTagged = NewDomainError(ErrorTypeConflict, "audit event already tagged", nil)
	ErrIdempotencyConflict   = NewDomainError(ErrorTypeIdempotencyConflict, "idempotency key reused with a different payload", nil)

	// Internal Errors
	ErrDatabaseError    = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrAuditUnavailable = NewDomainError(ErrorTypeInternal, "audit sink unavailable", nil)

	// Governance Errors
	ErrExecutionDisabled = NewDomainError(ErrorTypeExecutionDisabled, "operation not permitted in current phase", nil)
	ErrAIDisabled        = NewDomainError(ErrorTypeUnavailable, "AI features are disabled", nil)
	ErrKillSwitchActive  = NewDomainError(ErrorTypeUnavailable, "AI features are temporarily unavailable", nil)
	ErrUpstreamTimeout   = NewDomainError(ErrorTypeTimeout, "AI provider timed out", nil)
	ErrApprovalRequired  = NewDomainError(ErrorTypeApprovalRequired, "action requires human approval", nil)

	// External Provider Errors
	ErrProviderUnavailable = NewDomainError(ErrorTypeExternal, "AI provider unavailable", nil)
	ErrProviderError       = NewDomainError(ErrorTypeExternal, "AI provider error", nil)

	// Policy Violation Errors
	ErrPolicyViolation = NewDomainError(ErrorTypePolicyViolation, "policy violation", nil)
)

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return hasType(err, ErrorTypeRateLimit) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool { return hasType(err, ErrorTypeExternal) }

// IsPolicyViolationError checks if an error is a policy violation error
func IsPolicyViolationError(err error) bool { return hasType(err, ErrorTypePolicyViolation) }

// IsExecutionDisabledError checks if an operation was rejected by the phase gate
func IsExecutionDisabledError(err error) bool { return hasType(err, ErrorTypeExecutionDisabled) }

// IsUnavailableError checks if a feature is disabled or switched off
func IsUnavailableError(err error) bool { return hasType(err, ErrorTypeUnavailable) }

// IsTimeoutError checks if an upstream call timed out
func IsTimeoutError(err error) bool { return hasType(err, ErrorTypeTimeout) }

// IsQuotaExceededError checks if a tenant quota is exhausted
func IsQuotaExceededError(err error) bool { return hasType(err, ErrorTypeQuotaExceeded) }

// IsIdempotencyConflictError checks if an idempotency key was reused with another payload
func IsIdempotencyConflictError(err error) bool { return hasType(err, ErrorTypeIdempotencyConflict) }

// IsApprovalRequiredError checks if an action needs human approval
func IsApprovalRequiredError(err error) bool { return hasType(err, ErrorTypeApprovalRequired) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// GetRetryAfter returns the retry hint recorded with WithRetryAfter.
func GetRetryAfter(err error) (time.Duration, bool) {
	details := GetErrorDetails(err)
	if details == nil {
		return 0, false
	}
	secs, ok := details["retry_after_seconds"].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
