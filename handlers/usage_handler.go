package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/services/usage"
	"github.com/upb/ai-control-plane/utils"
)

// UsageReader reads tracked usage
type UsageReader interface {
	GetUsage(ctx context.Context, tenantID string, date *time.Time, usageType models.UsageType) ([]*models.UsageRecord, error)
}

// QuotaReader reports quota status
type QuotaReader interface {
	Status(ctx context.Context, tenantID string, usageType models.UsageType) (*usage.QuotaStatus, error)
}

// UsageHandler serves a tenant's own usage and quota
type UsageHandler struct {
	usage  UsageReader
	quota  QuotaReader
	logger *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(usage UsageReader, quota QuotaReader, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{usage: usage, quota: quota, logger: logger}
}

// HandleUsage handles GET /api/v1/ai/usage?date=YYYY-MM-DD&usage_type=chat
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	var date *time.Time
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			_ = utils.WriteBadRequest(w, "date must be formatted as YYYY-MM-DD", nil)
			return
		}
		date = &d
	}

	var usageType models.UsageType
	if s := r.URL.Query().Get("usage_type"); s != "" {
		t, err := models.ParseUsageType(s)
		if err != nil {
			_ = utils.WriteBadRequest(w, err.Error(), nil)
			return
		}
		usageType = t
	}

	records, err := h.usage.GetUsage(r.Context(), caller.TenantID, date, usageType)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, records)
}

// HandleQuota handles GET /api/v1/ai/quota/{usageType}
func (h *UsageHandler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r)
	if !ok {
		return
	}

	usageType, err := models.ParseUsageType(chi.URLParam(r, "usageType"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	status, err := h.quota.Status(r.Context(), caller.TenantID, usageType)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, status)
}
