package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
)

// AuditRepository is an append-only in-memory audit log
type AuditRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
	byID   map[uuid.UUID]*models.AuditEvent
}

// NewAuditRepository creates an empty in-memory audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{byID: make(map[uuid.UUID]*models.AuditEvent)}
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)

// Insert appends an event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := copyEvent(event)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, c)
	r.byID[c.ID] = c
	return nil
}

// GetByID retrieves an event by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyEvent(e), nil
}

// List retrieves events matching the filter, newest first
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	var matched []*models.AuditEvent
	for _, e := range r.events {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.From != nil && e.Timestamp.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !e.Timestamp.Before(*filter.To) {
			continue
		}
		matched = append(matched, copyEvent(e))
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// TagIncident sets the incident tag of an untagged event
func (r *AuditRepository) TagIncident(ctx context.Context, id uuid.UUID, tag string, at time.Time) (*models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if e.IncidentTag != nil {
		return nil, repositories.ErrAlreadyTagged
	}
	e.IncidentTag = &tag
	e.TaggedAt = &at
	return copyEvent(e), nil
}

// DeleteBefore removes events older than cutoff
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var n int64
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			delete(r.byID, e.ID)
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return n, nil
}

// Len returns the number of stored events.
func (r *AuditRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func copyEvent(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.IncidentTag != nil {
		v := *e.IncidentTag
		c.IncidentTag = &v
	}
	if e.TaggedAt != nil {
		v := *e.TaggedAt
		c.TaggedAt = &v
	}
	return &c
}
