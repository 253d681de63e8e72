// Package memory provides process-local repository implementations used when
// no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
)

type usageKey struct {
	tenantID  string
	day       time.Time
	usageType models.UsageType
}

// UsageRepository keeps usage counters in a map. All increments happen
// under one mutex, which gives the same no-lost-update guarantee as the
// SQL upsert.
type UsageRepository struct {
	mu      sync.Mutex
	records map[usageKey]*models.UsageRecord
	now     func() time.Time
}

// NewUsageRepository creates an empty in-memory usage repository
func NewUsageRepository() *UsageRepository {
	return &UsageRepository{
		records: make(map[usageKey]*models.UsageRecord),
		now:     time.Now,
	}
}

var _ repositories.UsageRepository = (*UsageRepository)(nil)

// IncrementAtomic adds delta to the (tenant, date, type) counters
func (r *UsageRepository) IncrementAtomic(ctx context.Context, delta models.UsageDelta) (*models.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	date := delta.UsageDate
	if date.IsZero() {
		date = now
	}
	key := usageKey{tenantID: delta.TenantID, day: models.UsageDay(date), usageType: delta.UsageType}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		rec = &models.UsageRecord{
			TenantID:  key.tenantID,
			UsageDate: key.day,
			UsageType: key.usageType,
			CreatedAt: now,
		}
		r.records[key] = rec
	}

	rec.RequestCount += delta.Requests
	rec.TokensIn += delta.TokensIn
	rec.TokensOut += delta.TokensOut
	if delta.QuotaLimit != nil {
		limit := *delta.QuotaLimit
		rec.QuotaLimit = &limit
	}
	if rec.QuotaExceededAt == nil && rec.QuotaLimit != nil && rec.RequestCount >= *rec.QuotaLimit {
		at := now
		rec.QuotaExceededAt = &at
	}
	rec.UpdatedAt = now

	return copyUsage(rec), nil
}

// Get retrieves one usage row
func (r *UsageRepository) Get(ctx context.Context, tenantID string, date time.Time, usageType models.UsageType) (*models.UsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[usageKey{tenantID: tenantID, day: models.UsageDay(date), usageType: usageType}]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyUsage(rec), nil
}

// List retrieves usage rows matching the filter, newest first
func (r *UsageRepository) List(ctx context.Context, filter models.UsageFilter) ([]*models.UsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.UsageRecord
	for k, rec := range r.records {
		if k.tenantID != filter.TenantID {
			continue
		}
		if filter.UsageType != "" && k.usageType != filter.UsageType {
			continue
		}
		if filter.From != nil && k.day.Before(models.UsageDay(*filter.From)) {
			continue
		}
		if filter.To != nil && k.day.After(models.UsageDay(*filter.To)) {
			continue
		}
		out = append(out, copyUsage(rec))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UsageDate.Equal(out[j].UsageDate) {
			return out[i].UsageDate.After(out[j].UsageDate)
		}
		return out[i].UsageType < out[j].UsageType
	})
	return out, nil
}

// DeleteBefore removes rows whose usage date is before cutoff
func (r *UsageRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	day := models.UsageDay(cutoff)

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k := range r.records {
		if k.day.Before(day) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}

func copyUsage(rec *models.UsageRecord) *models.UsageRecord {
	c := *rec
	if rec.QuotaLimit != nil {
		v := *rec.QuotaLimit
		c.QuotaLimit = &v
	}
	if rec.QuotaExceededAt != nil {
		v := *rec.QuotaExceededAt
		c.QuotaExceededAt = &v
	}
	return &c
}
