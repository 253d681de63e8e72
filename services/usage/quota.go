package usage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
)

// Status classifies usage against a quota
type Status string

const (
	StatusUnlimited Status = "UNLIMITED"
	StatusOK        Status = "OK"
	StatusWarning   Status = "WARNING"
	StatusExceeded  Status = "EXCEEDED"
)

const warningPercent = 80

// Response codes of QuotaExceededResponse
const (
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeQuotaUnavailable = "QUOTA_UNAVAILABLE"
)

// Classify returns the status of count against limit
func Classify(count int64, limit *int64) Status {
	switch {
	case limit == nil:
		return StatusUnlimited
	case count >= *limit:
		return StatusExceeded
	case count*100 >= *limit*warningPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}

// QuotaStatus is today's usage of one (tenant, type)
type QuotaStatus struct {
	TenantID  string           `json:"tenant_id"`
	UsageType models.UsageType `json:"usage_type"`
	Status    Status           `json:"status"`
	Current   int64            `json:"current"`
	Limit     *int64           `json:"limit,omitempty"`
	Remaining *int64           `json:"remaining,omitempty"`
	ResetAt   time.Time        `json:"reset_at"`
}

// QuotaExceededResponse is the graceful-failure payload returned to clients
type QuotaExceededResponse struct {
	Code       string           `json:"code"`
	Message    string           `json:"message"`
	UsageType  models.UsageType `json:"usage_type"`
	Current    int64            `json:"current"`
	Limit      int64            `json:"limit"`
	RetryAfter int64            `json:"retry_after_seconds"`
	ResetAt    time.Time        `json:"reset_at"`
}

// RetryAfterDuration returns RetryAfter as a duration
func (r *QuotaExceededResponse) RetryAfterDuration() time.Duration {
	return time.Duration(r.RetryAfter) * time.Second
}

// QuotaHandler interprets tracked usage against configured limits. Its
// request-path calls never return errors; storage failures deny the AI
// feature only.
type QuotaHandler struct {
	tracker *Tracker
	limits  *Limits
	logger  *zap.Logger
}

// NewQuotaHandler creates a quota handler
func NewQuotaHandler(tracker *Tracker, limits *Limits, logger *zap.Logger) *QuotaHandler {
	return &QuotaHandler{
		tracker: tracker,
		limits:  limits,
		logger:  logger,
	}
}

// Status reports today's quota status
func (h *QuotaHandler) Status(ctx context.Context, tenantID string, usageType models.UsageType) (*QuotaStatus, error) {
	rec, err := h.tracker.Current(ctx, tenantID, usageType)
	if err != nil {
		return nil, err
	}
	return h.statusOf(tenantID, usageType, rec.RequestCount), nil
}

func (h *QuotaHandler) statusOf(tenantID string, usageType models.UsageType, count int64) *QuotaStatus {
	limit := h.limits.Limit(tenantID, usageType)
	st := &QuotaStatus{
		TenantID:  tenantID,
		UsageType: usageType,
		Status:    Classify(count, limit),
		Current:   count,
		Limit:     limit,
		ResetAt:   h.resetAt(),
	}
	if limit != nil {
		remaining := *limit - count
		if remaining < 0 {
			remaining = 0
		}
		st.Remaining = &remaining
	}
	return st
}

// CheckAvailable reports whether another request fits in today's quota. It
// returns false when usage cannot be read.
func (h *QuotaHandler) CheckAvailable(ctx context.Context, tenantID string, usageType models.UsageType) bool {
	st, err := h.Status(ctx, tenantID, usageType)
	if err != nil {
		h.logger.Error("Quota check failed, denying",
			zap.String("tenant_id", tenantID),
			zap.String("usage_type", string(usageType)),
			zap.Error(err))
		return false
	}
	return st.Status != StatusExceeded
}

// AcquireOrGracefulFail consumes one request of quota. When the quota is
// already used up nothing is recorded and the exceeded payload is returned.
// A concurrent request that overshoots the limit in the same increment is
// also refused.
func (h *QuotaHandler) AcquireOrGracefulFail(ctx context.Context, tenantID string, usageType models.UsageType) (bool, *QuotaExceededResponse) {
	limit := h.limits.Limit(tenantID, usageType)

	if limit != nil {
		rec, err := h.tracker.Current(ctx, tenantID, usageType)
		if err != nil {
			return false, h.unavailable(tenantID, usageType, err)
		}
		if rec.RequestCount >= *limit {
			return false, h.exceeded(tenantID, usageType, rec.RequestCount, *limit)
		}
	}

	rec, err := h.tracker.IncrementAtomic(ctx, tenantID, usageType, 1, 0, 0, limit)
	if err != nil {
		return false, h.unavailable(tenantID, usageType, err)
	}
	if limit != nil && rec.RequestCount > *limit {
		if err := h.tracker.ReleaseRequest(ctx, tenantID, usageType); err != nil {
			h.logger.Warn("Overshooting request left counted", zap.Error(err))
		}
		return false, h.exceeded(tenantID, usageType, rec.RequestCount-1, *limit)
	}
	return true, nil
}

// Release returns a request acquired by AcquireOrGracefulFail that was
// refused afterwards
func (h *QuotaHandler) Release(ctx context.Context, tenantID string, usageType models.UsageType) error {
	return h.tracker.ReleaseRequest(ctx, tenantID, usageType)
}

// RecordTokens adds token counts for a request already admitted
func (h *QuotaHandler) RecordTokens(ctx context.Context, tenantID string, usageType models.UsageType, tokensIn, tokensOut int64) error {
	_, err := h.tracker.IncrementAtomic(ctx, tenantID, usageType, 0, tokensIn, tokensOut, nil)
	return err
}

func (h *QuotaHandler) exceeded(tenantID string, usageType models.UsageType, current, limit int64) *QuotaExceededResponse {
	h.logger.Warn("Quota exceeded",
		zap.String("tenant_id", tenantID),
		zap.String("usage_type", string(usageType)),
		zap.Int64("current", current),
		zap.Int64("limit", limit))

	resetAt := h.resetAt()
	return &QuotaExceededResponse{
		Code:       CodeQuotaExceeded,
		Message:    fmt.Sprintf("daily %s quota of %d requests exhausted", usageType, limit),
		UsageType:  usageType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfterSeconds(resetAt.Sub(h.tracker.now())),
		ResetAt:    resetAt,
	}
}

func (h *QuotaHandler) unavailable(tenantID string, usageType models.UsageType, err error) *QuotaExceededResponse {
	h.logger.Error("Quota accounting unavailable, denying",
		zap.String("tenant_id", tenantID),
		zap.String("usage_type", string(usageType)),
		zap.Error(err))

	return &QuotaExceededResponse{
		Code:       CodeQuotaUnavailable,
		Message:    "usage accounting is temporarily unavailable",
		UsageType:  usageType,
		RetryAfter: 60,
		ResetAt:    h.resetAt(),
	}
}

// resetAt is the next UTC midnight
func (h *QuotaHandler) resetAt() time.Time {
	return models.UsageDay(h.tracker.now()).AddDate(0, 0, 1)
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
