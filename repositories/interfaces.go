package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ai-control-plane/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyTagged is returned when an audit event already carries an incident tag
	ErrAlreadyTagged = errors.New("audit event already tagged")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

type transactionContextKey struct{}

// ContextWithTransaction returns a context that repositories use to run
// their statements inside tx.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactionContextKey{}, tx)
}

// TransactionFromContext retrieves a transaction from the context if available
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactionContextKey{}).(Transaction)
	return tx, ok
}

// UsageRepository stores per-tenant daily usage counters. IncrementAtomic is
// the only mutating call used on the request path and must be a single
// storage operation.
type UsageRepository interface {
	// IncrementAtomic adds the delta to the (tenant, date, type) row, creating it if needed
	IncrementAtomic(ctx context.Context, delta models.UsageDelta) (*models.UsageRecord, error)

	// Get retrieves one usage row; ErrNotFound when no usage was recorded
	Get(ctx context.Context, tenantID string, date time.Time, usageType models.UsageType) (*models.UsageRecord, error)

	// List retrieves usage rows matching the filter, newest first
	List(ctx context.Context, filter models.UsageFilter) ([]*models.UsageRecord, error)

	// DeleteBefore removes rows older than cutoff and reports how many were removed
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRepository handles audit event data operations
type AuditRepository interface {
	// Insert appends a new audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// GetByID retrieves an audit event by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditEvent, error)

	// List retrieves audit events matching the filter, newest first
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)

	// TagIncident sets the incident tag of an untagged event
	TagIncident(ctx context.Context, id uuid.UUID, tag string, at time.Time) (*models.AuditEvent, error)

	// DeleteBefore removes events older than cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PolicyRuleRepository handles persisted policy rule definitions
type PolicyRuleRepository interface {
	// ListEnabled retrieves enabled rules ordered by priority and rule id
	ListEnabled(ctx context.Context) ([]*models.PolicyRule, error)

	// Upsert creates or replaces a rule definition by rule id
	Upsert(ctx context.Context, rule *models.PolicyRule) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Usage       UsageRepository
	Audit       AuditRepository
	PolicyRules PolicyRuleRepository
}
