package storage

import (
	"context"

	"github.com/rl1809/stockguard/internal/port"
)

var _ port.TxBeginner = AutoCommit{}

// AutoCommit is the TxBeginner for stores without multi-statement
// transactions. Its boundaries carry no physical transaction: every write has
// already committed when it returns, and Rollback undoes nothing.
type AutoCommit struct{}

type autoCommitTx struct{}

func (AutoCommit) Begin(ctx context.Context) (port.Transaction, error) {
	return autoCommitTx{}, nil
}

func (autoCommitTx) Commit(ctx context.Context) error   { return nil }
func (autoCommitTx) Rollback(ctx context.Context) error { return nil }
