package port

import (
	"context"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// VersionedRecordStore holds {id, quantity, version} records.
//
// Every successful write increments the record version. Implementations bind
// to the transaction found in ctx, if it is one of theirs, and auto-commit
// otherwise.
type VersionedRecordStore interface {
	// Read returns the record without taking any lock.
	Read(ctx context.Context, id string) (domain.StockRecord, error)

	// ReadWithVersion returns the record; the caller echoes the version back
	// to WriteIfVersionMatches.
	ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error)

	// WriteIfVersionMatches stores quantity only if the stored version equals
	// expectedVersion, otherwise it returns domain.ErrConcurrencyConflict
	// without side effects.
	WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error

	// Write stores quantity unconditionally.
	Write(ctx context.Context, id string, quantity int64) error
}

// ExclusiveReader is implemented by stores that can lock a record for the
// lifetime of the enclosing transaction.
type ExclusiveReader interface {
	// ReadForExclusiveAccess blocks until the record lock is free, then holds
	// it until the transaction in ctx commits or rolls back.
	ReadForExclusiveAccess(ctx context.Context, id string) (domain.StockRecord, error)
}

// TxBeginner starts physical transactions for the transaction manager.
type TxBeginner interface {
	Begin(ctx context.Context) (Transaction, error)
}

type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Seeder creates or resets a record. Record creation is not part of the
// decrement path; it exists for bootstrapping and tests.
type Seeder interface {
	Seed(ctx context.Context, id string, quantity int64) error
}
