package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/redact"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"github.com/upb/ai-control-plane/services"
)

const maxIncidentTagLength = 100

// Sink is the append-only audit log. Record writes synchronously and is
// used for every decision; Enqueue hands non-critical events to a worker
// pool.
type Sink struct {
	auditRepo   repositories.AuditRepository
	txMgr       repositories.TransactionManager
	redactor    *redact.Redactor
	logger      *zap.Logger
	eventChan   chan *models.AuditEvent
	workerCount int
	bufferSize  int
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	mu          sync.Mutex
	now         func() time.Time
}

// Config holds configuration for the Sink
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 5,
	}
}

// NewSink creates a new Sink. A nil redactor uses the default sensitive
// keys with no salt.
func NewSink(auditRepo repositories.AuditRepository, txMgr repositories.TransactionManager, redactor *redact.Redactor, logger *zap.Logger, config Config) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if redactor == nil {
		redactor = redact.New(nil, nil)
	}

	return &Sink{
		auditRepo:   auditRepo,
		txMgr:       txMgr,
		redactor:    redactor,
		logger:      logger,
		eventChan:   make(chan *models.AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start starts the background workers
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit sink already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("Started audit sink",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop drains queued events and stops the workers
func (s *Sink) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit sink not running")
	}
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("Stopping audit sink", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Audit sink stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit sink stop timeout after %v", timeout)
	}
}

// Record validates, redacts and writes event before returning. Every
// rejection on the request path goes through Record so the stored trail
// and the client's view never diverge.
func (s *Sink) Record(ctx context.Context, event *models.AuditEvent) error {
	if err := s.prepare(event); err != nil {
		return err
	}
	if err := s.auditRepo.Insert(ctx, event); err != nil {
		s.logger.Error("Failed to write audit event",
			zap.String("event_type", string(event.EventType)),
			zap.String("tenant_id", event.TenantID),
			zap.Error(err))
		return services.NewDomainError(services.ErrorTypeInternal, "audit sink unavailable", err)
	}
	return nil
}

// RecordChange records event with a redacted diff of before and after
func (s *Sink) RecordChange(ctx context.Context, event *models.AuditEvent, before, after map[string]interface{}) error {
	event.WithDiff(s.redactor.Diff(before, after))
	return s.Record(ctx, event)
}

// Enqueue queues event for asynchronous writing without blocking. It
// fails when the buffer is full.
func (s *Sink) Enqueue(event *models.AuditEvent) error {
	if err := s.prepare(event); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return fmt.Errorf("audit sink not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("Audit event buffer full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("tenant_id", event.TenantID))
		return fmt.Errorf("audit event buffer full")
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("Audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("Failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
				zap.String("tenant_id", event.TenantID))
		}
	}

	s.logger.Debug("Audit worker stopped", zap.Int("worker_id", id))
}

func (s *Sink) processEvent(event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// prepare fills defaults and redacts free-form details
func (s *Sink) prepare(event *models.AuditEvent) error {
	if event == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "audit event is required", nil)
	}
	if event.TenantID == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "audit event requires a tenant id", nil)
	}
	if event.EventType == "" || event.Outcome == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "audit event requires a type and outcome", nil)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if len(event.Details) > 0 {
		var details interface{}
		if err := json.Unmarshal(event.Details, &details); err == nil {
			if redacted, err := json.Marshal(s.redactor.Value(details)); err == nil {
				event.Details = redacted
			}
		}
	}
	return nil
}

// Get returns one event
func (s *Sink) Get(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	event, err := s.auditRepo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrAuditEventNotFound
	}
	if err != nil {
		return nil, services.WrapInternal("failed to load audit event", err)
	}
	return event, nil
}

// List returns events matching filter, newest first
func (s *Sink) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "to must not be before from", nil)
	}
	events, err := s.auditRepo.List(ctx, filter)
	if err != nil {
		return nil, services.WrapInternal("failed to list audit events", err)
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	return events, nil
}

// TagIncident annotates an event with an incident classification. An event
// can be tagged once; the annotation and its own incident_tagged event are
// written in one transaction.
func (s *Sink) TagIncident(ctx context.Context, id uuid.UUID, tag, actor string) (*models.AuditEvent, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" || len(tag) > maxIncidentTagLength {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("incident tag must be 1 to %d characters", maxIncidentTagLength), nil)
	}

	var tagged *models.AuditEvent
	err := s.txMgr.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		event, err := s.auditRepo.TagIncident(ctx, id, tag, s.now())
		if err != nil {
			return err
		}

		annotation := models.NewAuditEvent(event.TenantID, models.AuditEventIncidentTagged, models.AuditOutcomeAllowed).
			WithUser(actor).
			WithDetails(map[string]interface{}{
				"event_id":     event.ID.String(),
				"incident_tag": tag,
			})
		if err := s.auditRepo.Insert(ctx, annotation); err != nil {
			return err
		}
		tagged = event
		return nil
	})

	switch {
	case err == nil:
		s.logger.Info("Audit event tagged",
			zap.String("event_id", id.String()),
			zap.String("incident_tag", tag),
			zap.String("actor", actor))
		return tagged, nil
	case errors.Is(err, repositories.ErrNotFound):
		return nil, services.ErrAuditEventNotFound
	case errors.Is(err, repositories.ErrAlreadyTagged):
		return nil, services.ErrIncidentAlreadyTagged
	default:
		return nil, services.WrapInternal("failed to tag audit event", err)
	}
}

// PurgeBefore deletes events older than the retention window
func (s *Sink) PurgeBefore(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention)
	n, err := s.auditRepo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, services.WrapInternal("failed to purge audit events", err)
	}
	s.logger.Info("Purged audit events",
		zap.Int64("rows_deleted", n),
		zap.Time("cutoff", cutoff))
	return n, nil
}

// StartRetentionWorker purges expired events every interval until ctx is
// done
func (s *Sink) StartRetentionWorker(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.PurgeBefore(ctx, retention); err != nil {
				s.logger.Error("Audit retention run failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns statistics about the sink
func (s *Sink) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Dropped:       s.dropped.Load(),
	}
}

// Stats represents audit sink statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Dropped       uint64 `json:"dropped"`
}
