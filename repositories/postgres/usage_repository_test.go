package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewDBFromConn(sqlDB, zap.NewNop()), mock
}

var usageRowColumns = []string{
	"tenant_id", "usage_date", "usage_type", "request_count", "tokens_in", "tokens_out",
	"quota_limit", "quota_exceeded_at", "created_at", "updated_at",
}

func TestUsageRepository_IncrementAtomic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	now := time.Now().UTC()
	day := models.UsageDay(now)
	limit := int64(10)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("acme", day, models.UsageTypeChat, int64(1), int64(20), int64(40), &limit, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).
			AddRow("acme", day, "chat", int64(10), int64(200), int64(400), int64(10), now, now, now))

	rec, err := repo.IncrementAtomic(context.Background(), models.UsageDelta{
		TenantID:   "acme",
		UsageType:  models.UsageTypeChat,
		UsageDate:  now,
		Requests:   1,
		TokensIn:   20,
		TokensOut:  40,
		QuotaLimit: &limit,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10), rec.RequestCount)
	require.NotNil(t, rec.QuotaLimit)
	assert.Equal(t, int64(10), *rec.QuotaLimit)
	require.NotNil(t, rec.QuotaExceededAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_IncrementAtomic_SingleStatement(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	// One upsert, no preceding SELECT: the counter is never read back into Go
	// before the write.
	mock.ExpectQuery(`INSERT INTO usage_records .* ON CONFLICT \(tenant_id, usage_date, usage_type\) DO UPDATE SET request_count = usage_records.request_count \+ EXCLUDED.request_count`).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).
			AddRow("acme", time.Now(), "ocr", int64(1), int64(0), int64(0), nil, nil, time.Now(), time.Now()))

	rec, err := repo.IncrementAtomic(context.Background(), models.UsageDelta{
		TenantID:  "acme",
		UsageType: models.UsageTypeOCR,
		Requests:  1,
	})
	require.NoError(t, err)
	assert.Nil(t, rec.QuotaLimit)
	assert.Nil(t, rec.QuotaExceededAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_IncrementAtomic_Error(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WillReturnError(errors.New("connection reset"))

	_, err := repo.IncrementAtomic(context.Background(), models.UsageDelta{TenantID: "acme", UsageType: models.UsageTypeChat, Requests: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to increment usage")
}

func TestUsageRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())
	day := models.UsageDay(time.Now())

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM usage_records")).
			WithArgs("acme", day, models.UsageTypeChat).
			WillReturnRows(sqlmock.NewRows(usageRowColumns).
				AddRow("acme", day, "chat", int64(3), int64(1), int64(2), nil, nil, day, day))

		rec, err := repo.Get(context.Background(), "acme", day, models.UsageTypeChat)
		require.NoError(t, err)
		assert.Equal(t, int64(3), rec.RequestCount)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM usage_records")).
			WithArgs("acme", day, models.UsageTypeOCR).
			WillReturnRows(sqlmock.NewRows(usageRowColumns))

		_, err := repo.Get(context.Background(), "acme", day, models.UsageTypeOCR)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())
	day := models.UsageDay(time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND usage_type = $2")).
		WithArgs("acme", models.UsageTypeChat).
		WillReturnRows(sqlmock.NewRows(usageRowColumns).
			AddRow("acme", day, "chat", int64(5), int64(0), int64(0), nil, nil, day, day).
			AddRow("acme", day.AddDate(0, 0, -1), "chat", int64(7), int64(0), int64(0), nil, nil, day, day))

	records, err := repo.List(context.Background(), models.UsageFilter{TenantID: "acme", UsageType: models.UsageTypeChat})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(5), records[0].RequestCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_DeleteBefore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())
	cutoff := time.Now().AddDate(0, 0, -90)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM usage_records WHERE usage_date < $1")).
		WithArgs(models.UsageDay(cutoff)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
