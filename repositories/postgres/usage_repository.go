package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"go.uber.org/zap"
)

const usageColumns = `tenant_id, usage_date, usage_type, request_count, tokens_in, tokens_out,
		       quota_limit, quota_exceeded_at, created_at, updated_at`

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// IncrementAtomic adds the delta in one INSERT ... ON CONFLICT statement so
// concurrent increments on the same key serialize on the row lock instead of
// racing through a read-modify-write. quota_exceeded_at is written once, by
// the increment that first reaches the limit.
func (r *UsageRepository) IncrementAtomic(ctx context.Context, delta models.UsageDelta) (*models.UsageRecord, error) {
	query := `
		INSERT INTO usage_records (
			tenant_id, usage_date, usage_type, request_count, tokens_in, tokens_out,
			quota_limit, quota_exceeded_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			CASE WHEN $7::BIGINT IS NOT NULL AND $4::BIGINT >= $7::BIGINT THEN $8::TIMESTAMPTZ END,
			$8, $8
		)
		ON CONFLICT (tenant_id, usage_date, usage_type)
		DO UPDATE SET
			request_count = usage_records.request_count + EXCLUDED.request_count,
			tokens_in = usage_records.tokens_in + EXCLUDED.tokens_in,
			tokens_out = usage_records.tokens_out + EXCLUDED.tokens_out,
			quota_limit = COALESCE(EXCLUDED.quota_limit, usage_records.quota_limit),
			quota_exceeded_at = COALESCE(
				usage_records.quota_exceeded_at,
				CASE
					WHEN COALESCE(EXCLUDED.quota_limit, usage_records.quota_limit) IS NOT NULL
					 AND usage_records.request_count + EXCLUDED.request_count
					     >= COALESCE(EXCLUDED.quota_limit, usage_records.quota_limit)
					THEN EXCLUDED.updated_at
				END
			),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + usageColumns

	day := models.UsageDay(delta.UsageDate)
	if delta.UsageDate.IsZero() {
		day = models.UsageDay(time.Now())
	}

	executor := GetExecutor(ctx, r.db)
	rec, err := scanUsage(executor.QueryRowContext(ctx, query,
		delta.TenantID,
		day,
		delta.UsageType,
		delta.Requests,
		delta.TokensIn,
		delta.TokensOut,
		delta.QuotaLimit,
		time.Now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	r.logger.Debug("usage incremented",
		zap.String("tenant_id", rec.TenantID),
		zap.String("usage_type", string(rec.UsageType)),
		zap.Int64("request_count", rec.RequestCount))
	return rec, nil
}

// Get retrieves one usage row
func (r *UsageRepository) Get(ctx context.Context, tenantID string, date time.Time, usageType models.UsageType) (*models.UsageRecord, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE tenant_id = $1 AND usage_date = $2 AND usage_type = $3
	`

	executor := GetExecutor(ctx, r.db)
	rec, err := scanUsage(executor.QueryRowContext(ctx, query, tenantID, models.UsageDay(date), usageType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return rec, nil
}

// List retrieves usage rows matching the filter, newest first
func (r *UsageRepository) List(ctx context.Context, filter models.UsageFilter) ([]*models.UsageRecord, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{filter.TenantID}

	if filter.UsageType != "" {
		args = append(args, filter.UsageType)
		where = append(where, fmt.Sprintf("usage_type = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, models.UsageDay(*filter.From))
		where = append(where, fmt.Sprintf("usage_date >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, models.UsageDay(*filter.To))
		where = append(where, fmt.Sprintf("usage_date <= $%d", len(args)))
	}

	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY usage_date DESC, usage_type ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}

	return records, nil
}

// DeleteBefore removes rows whose usage date is before cutoff
func (r *UsageRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	res, err := executor.ExecContext(ctx, `DELETE FROM usage_records WHERE usage_date < $1`, models.UsageDay(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	rec := &models.UsageRecord{}
	err := row.Scan(
		&rec.TenantID,
		&rec.UsageDate,
		&rec.UsageType,
		&rec.RequestCount,
		&rec.TokensIn,
		&rec.TokensOut,
		&rec.QuotaLimit,
		&rec.QuotaExceededAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
