package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/redact"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"github.com/upb/ai-control-plane/repositories/memory"
	"github.com/upb/ai-control-plane/repositories/postgres"
	"github.com/upb/ai-control-plane/services"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []*models.AuditEvent
}

func (m *MockAuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := m.Called(ctx, event)
	if args.Error(0) == nil {
		m.inserted = append(m.inserted, event)
	}
	return args.Error(0)
}

func (m *MockAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	args := m.Called(ctx, id)
	if e := args.Get(0); e != nil {
		return e.(*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	args := m.Called(ctx, filter)
	if e := args.Get(0); e != nil {
		return e.([]*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) TagIncident(ctx context.Context, id uuid.UUID, tag string, at time.Time) (*models.AuditEvent, error) {
	args := m.Called(ctx, id, tag, at)
	if e := args.Get(0); e != nil {
		return e.(*models.AuditEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAuditRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

var _ repositories.AuditRepository = (*MockAuditRepository)(nil)

func newMemorySink(t *testing.T) (*Sink, *memory.AuditRepository) {
	t.Helper()
	repo := memory.NewAuditRepository()
	return NewSink(repo, memory.NewTransactionManager(), redact.New([]byte("salt"), nil), zap.NewNop(), DefaultConfig()), repo
}

func TestSink_RecordIsSynchronous(t *testing.T) {
	sink, repo := newMemorySink(t)
	ctx := context.Background()

	event := models.NewAuditEvent("acme", models.AuditEventPolicyDecision, models.AuditOutcomeDenied).
		WithUser("u1").
		WithPolicy("abc123", "rbac-actions")
	require.NoError(t, sink.Record(ctx, event))

	assert.Equal(t, 1, repo.Len())
	got, err := sink.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "rbac-actions", got.RuleID)
}

func TestSink_RecordValidates(t *testing.T) {
	sink, _ := newMemorySink(t)
	ctx := context.Background()

	assert.True(t, services.IsValidationError(sink.Record(ctx, nil)))
	assert.True(t, services.IsValidationError(sink.Record(ctx, &models.AuditEvent{EventType: models.AuditEventAIRequest, Outcome: models.AuditOutcomeAllowed})))
	assert.True(t, services.IsValidationError(sink.Record(ctx, &models.AuditEvent{TenantID: "acme"})))
}

func TestSink_RecordFillsDefaults(t *testing.T) {
	sink, _ := newMemorySink(t)
	event := &models.AuditEvent{TenantID: "acme", EventType: models.AuditEventAIRequest, Outcome: models.AuditOutcomeAllowed}

	require.NoError(t, sink.Record(context.Background(), event))
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestSink_RecordFailureIsInternal(t *testing.T) {
	repo := &MockAuditRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	sink := NewSink(repo, memory.NewTransactionManager(), nil, zap.NewNop(), DefaultConfig())

	err := sink.Record(context.Background(), models.NewAuditEvent("acme", models.AuditEventAIRequest, models.AuditOutcomeAllowed))
	assert.True(t, services.IsInternalError(err))
	assert.Equal(t, services.ErrorTypeInternal, services.GetErrorType(err))
}

func TestSink_RedactsDetailsAndDiff(t *testing.T) {
	sink, _ := newMemorySink(t)
	ctx := context.Background()

	event := models.NewAuditEvent("acme", models.AuditEventActionExecuted, models.AuditOutcomeAllowed).
		WithDetails(map[string]interface{}{
			"note":     "call patient at ali@example.com",
			"password": "hunter2",
		})
	before := map[string]interface{}{"phone": "0532 111 22 33", "status": "lead"}
	after := map[string]interface{}{"phone": "0532 111 22 33", "status": "customer", "national_id": "10000000146"}

	require.NoError(t, sink.RecordChange(ctx, event, before, after))

	got, err := sink.Get(ctx, event.ID)
	require.NoError(t, err)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Details, &details))
	assert.Equal(t, "call patient at [EMAIL_REDACTED]", details["note"])
	assert.NotEqual(t, "hunter2", details["password"])

	diff := string(got.RedactedDiff)
	assert.Contains(t, diff, "status")
	assert.NotContains(t, diff, "phone")
	assert.NotContains(t, diff, "10000000146")
}

func TestSink_EnqueueProcessedByWorkers(t *testing.T) {
	repo := &MockAuditRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)
	sink := NewSink(repo, memory.NewTransactionManager(), nil, zap.NewNop(), Config{BufferSize: 100, WorkerCount: 3})
	require.NoError(t, sink.Start())

	for i := 0; i < 50; i++ {
		require.NoError(t, sink.Enqueue(models.NewAuditEvent("acme", models.AuditEventAIRequest, models.AuditOutcomeAllowed)))
	}

	require.NoError(t, sink.Stop(5*time.Second))
	assert.Equal(t, 50, repo.count())
	assert.False(t, sink.GetStats().Started)
}

func TestSink_EnqueueRequiresStart(t *testing.T) {
	sink, _ := newMemorySink(t)

	assert.Error(t, sink.Enqueue(models.NewAuditEvent("acme", models.AuditEventAIRequest, models.AuditOutcomeAllowed)))
	assert.Error(t, sink.Stop(time.Second))

	require.NoError(t, sink.Start())
	assert.Error(t, sink.Start())
	require.NoError(t, sink.Stop(time.Second))
	assert.Error(t, sink.Enqueue(models.NewAuditEvent("acme", models.AuditEventAIRequest, models.AuditOutcomeAllowed)))
}

func TestSink_EnqueueDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	repo := &MockAuditRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-block }).Return(nil)
	sink := NewSink(repo, memory.NewTransactionManager(), nil, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, sink.Start())

	var failures int
	for i := 0; i < 5; i++ {
		if err := sink.Enqueue(models.NewAuditEvent("acme", models.AuditEventAIRequest, models.AuditOutcomeAllowed)); err != nil {
			failures++
		}
	}
	close(block)

	assert.GreaterOrEqual(t, failures, 3)
	assert.Equal(t, uint64(failures), sink.GetStats().Dropped)
	require.NoError(t, sink.Stop(5*time.Second))
}

func TestSink_TagIncident(t *testing.T) {
	sink, repo := newMemorySink(t)
	ctx := context.Background()

	event := models.NewAuditEvent("acme", models.AuditEventPolicyDecision, models.AuditOutcomeDenied)
	require.NoError(t, sink.Record(ctx, event))

	tagged, err := sink.TagIncident(ctx, event.ID, " data_exposure ", "sec-lead")
	require.NoError(t, err)
	assert.Equal(t, "data_exposure", *tagged.IncidentTag)
	assert.Equal(t, models.AuditOutcomeDenied, tagged.Outcome)
	assert.Equal(t, 2, repo.Len())

	annotations, err := sink.List(ctx, models.AuditFilter{EventType: models.AuditEventIncidentTagged})
	require.NoError(t, err)
	require.Len(t, annotations, 1)
	assert.Equal(t, "acme", annotations[0].TenantID)
	assert.Equal(t, "sec-lead", annotations[0].UserID)

	_, err = sink.TagIncident(ctx, event.ID, "other", "sec-lead")
	assert.ErrorIs(t, err, services.ErrIncidentAlreadyTagged)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, 2, repo.Len())

	_, err = sink.TagIncident(ctx, uuid.New(), "x", "sec-lead")
	assert.True(t, services.IsNotFoundError(err))

	_, err = sink.TagIncident(ctx, event.ID, "", "sec-lead")
	assert.True(t, services.IsValidationError(err))
}

func TestSink_TagIncidentRollsBackWhenAnnotationFails(t *testing.T) {
	sqlDB, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	txMgr := postgres.NewTransactionManager(postgres.NewDBFromConn(sqlDB, zap.NewNop()), zap.NewNop())

	id := uuid.New()
	repo := &MockAuditRepository{}
	repo.On("TagIncident", mock.Anything, id, "breach", mock.Anything).
		Return(&models.AuditEvent{ID: id, TenantID: "acme"}, nil)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	dbMock.ExpectBegin()
	dbMock.ExpectRollback()

	sink := NewSink(repo, txMgr, nil, zap.NewNop(), DefaultConfig())
	_, err = sink.TagIncident(context.Background(), id, "breach", "sec-lead")
	assert.True(t, services.IsInternalError(err))
	assert.NoError(t, dbMock.ExpectationsWereMet())
	repo.AssertExpectations(t)
}

func TestSink_ListValidatesRange(t *testing.T) {
	sink, _ := newMemorySink(t)
	from := time.Now()
	to := from.Add(-time.Hour)

	_, err := sink.List(context.Background(), models.AuditFilter{From: &from, To: &to})
	assert.True(t, services.IsValidationError(err))

	events, err := sink.List(context.Background(), models.AuditFilter{TenantID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestSink_PurgeBefore(t *testing.T) {
	repo := &MockAuditRepository{}
	sink := NewSink(repo, memory.NewTransactionManager(), nil, zap.NewNop(), DefaultConfig())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	repo.On("DeleteBefore", mock.Anything, now.AddDate(0, 0, -365)).Return(int64(7), nil)

	n, err := sink.PurgeBefore(context.Background(), 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	repo.AssertExpectations(t)
}
