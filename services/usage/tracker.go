package usage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"github.com/upb/ai-control-plane/services"
)

// Tracker records per-tenant daily usage. IncrementAtomic is its only
// mutating call on the request path.
type Tracker struct {
	repo   repositories.UsageRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a usage tracker
func NewTracker(repo repositories.UsageRepository, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IncrementAtomic adds the deltas to today's (tenant, type) counters in one
// storage operation. quotaLimit, when set, is stored with the row.
func (t *Tracker) IncrementAtomic(ctx context.Context, tenantID string, usageType models.UsageType, requests, tokensIn, tokensOut int64, quotaLimit *int64) (*models.UsageRecord, error) {
	if tenantID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "tenant id is required", nil)
	}
	if _, err := models.ParseUsageType(string(usageType)); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, err.Error(), services.ErrInvalidUsageType)
	}
	if requests < 0 || tokensIn < 0 || tokensOut < 0 {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "usage deltas must not be negative", nil)
	}

	rec, err := t.repo.IncrementAtomic(ctx, models.UsageDelta{
		TenantID:   tenantID,
		UsageType:  usageType,
		UsageDate:  models.UsageDay(t.now()),
		Requests:   requests,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		QuotaLimit: quotaLimit,
	})
	if err != nil {
		t.logger.Error("Failed to increment usage",
			zap.String("tenant_id", tenantID),
			zap.String("usage_type", string(usageType)),
			zap.Error(err))
		return nil, services.WrapInternal("failed to record usage", err)
	}
	return rec, nil
}

// ReleaseRequest gives back one request of today's (tenant, type) count for
// a request that was counted but never served
func (t *Tracker) ReleaseRequest(ctx context.Context, tenantID string, usageType models.UsageType) error {
	_, err := t.repo.IncrementAtomic(ctx, models.UsageDelta{
		TenantID:  tenantID,
		UsageType: usageType,
		UsageDate: models.UsageDay(t.now()),
		Requests:  -1,
	})
	if err != nil {
		t.logger.Error("Failed to release usage",
			zap.String("tenant_id", tenantID),
			zap.String("usage_type", string(usageType)),
			zap.Error(err))
		return services.WrapInternal("failed to release usage", err)
	}
	return nil
}

// Current returns today's counters for (tenant, type). A tenant with no
// usage yet gets a zero record.
func (t *Tracker) Current(ctx context.Context, tenantID string, usageType models.UsageType) (*models.UsageRecord, error) {
	day := models.UsageDay(t.now())
	rec, err := t.repo.Get(ctx, tenantID, day, usageType)
	if errors.Is(err, repositories.ErrNotFound) {
		return &models.UsageRecord{TenantID: tenantID, UsageDate: day, UsageType: usageType}, nil
	}
	if err != nil {
		return nil, services.WrapInternal("failed to load usage", err)
	}
	return rec, nil
}

// GetUsage reads usage rows for one day (today when date is nil) and, if
// usageType is set, one type
func (t *Tracker) GetUsage(ctx context.Context, tenantID string, date *time.Time, usageType models.UsageType) ([]*models.UsageRecord, error) {
	if tenantID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "tenant id is required", nil)
	}
	day := models.UsageDay(t.now())
	if date != nil {
		day = models.UsageDay(*date)
	}

	records, err := t.repo.List(ctx, models.UsageFilter{
		TenantID:  tenantID,
		UsageType: usageType,
		From:      &day,
		To:        &day,
	})
	if err != nil {
		return nil, services.WrapInternal("failed to list usage", err)
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}
	return records, nil
}

// PurgeBefore deletes usage rows older than the retention window
func (t *Tracker) PurgeBefore(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := models.UsageDay(t.now().Add(-retention))
	n, err := t.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, services.WrapInternal("failed to purge usage", err)
	}

	t.logger.Info("Purged usage records",
		zap.Int64("rows_deleted", n),
		zap.Time("cutoff", cutoff))
	return n, nil
}

// StartRetentionWorker purges expired usage rows every interval until ctx
// is done
func (t *Tracker) StartRetentionWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("Started usage retention worker",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention))

	for {
		select {
		case <-ticker.C:
			if _, err := t.PurgeBefore(ctx, retention); err != nil {
				t.logger.Error("Usage retention run failed", zap.Error(err))
			}
		case <-ctx.Done():
			t.logger.Info("Stopping usage retention worker")
			return
		}
	}
}
