package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/repositories"
)

// TxManager runs repository calls inside database/sql transactions on one
// DB. Audit events may live on a separate database, so the factory hands
// out one manager per DB.
type TxManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a transaction manager for db
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return &TxManager{db: db, logger: logger}
}

func (m *TxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, ctx: ctx}, nil
}

// InTransaction commits when fn returns nil and rolls back otherwise. A
// panic in fn rolls back before it propagates.
func (m *TxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) (err error) {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(repositories.ContextWithTransaction(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("cause", err))
		}
		return err
	}
	return tx.Commit()
}

// Tx is a repositories.Transaction over *sql.Tx
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback is a no-op on a finished transaction
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return fmt.Errorf("failed to rollback transaction: %w", err)
}

func (t *Tx) Context() context.Context {
	return t.ctx
}

// Executor is satisfied by both *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the transaction carried by ctx when it belongs to
// this package, else the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := repositories.TransactionFromContext(ctx); ok {
		if pgTx, ok := tx.(*Tx); ok {
			return pgTx.tx
		}
	}
	return db.DB
}
