package memory

import (
	"context"

	"github.com/upb/ai-control-plane/repositories"
)

// TransactionManager runs functions without isolation. Memory repositories
// apply each call immediately, so there is nothing to commit or roll back.
type TransactionManager struct{}

// NewTransactionManager creates a no-op transaction manager
func NewTransactionManager() repositories.TransactionManager {
	return TransactionManager{}
}

// Begin returns a no-op transaction
func (TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &transaction{ctx: ctx}, nil
}

// InTransaction calls fn with a no-op transaction
func (m TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, _ := m.Begin(ctx)
	return fn(repositories.ContextWithTransaction(ctx, tx), tx)
}

type transaction struct {
	ctx context.Context
}

func (t *transaction) Commit() error            { return nil }
func (t *transaction) Rollback() error          { return nil }
func (t *transaction) Context() context.Context { return t.ctx }

// NewRepositories returns in-memory implementations of every repository
func NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Usage:       NewUsageRepository(),
		Audit:       NewAuditRepository(),
		PolicyRules: NewPolicyRuleRepository(),
	}
}
