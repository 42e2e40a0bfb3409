package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/gate"
	"github.com/rl1809/stockguard/internal/port"
)

// StockMutator performs one decrease attempt under a chosen strategy. It
// never retries and never opens a transaction boundary itself.
type StockMutator struct {
	store  port.VersionedRecordStore
	gate   gate.Gate
	logger *zap.Logger
}

func NewStockMutator(store port.VersionedRecordStore, g gate.Gate, logger *zap.Logger) *StockMutator {
	if g == nil {
		g = gate.NewGlobal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockMutator{store: store, gate: g, logger: logger}
}

// Decrease reduces the quantity of id by amount. The exclusive strategy must
// run inside a transaction boundary for its lock to cover the write.
func (m *StockMutator) Decrease(ctx context.Context, id string, amount int64, strategy domain.Strategy) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	switch strategy {
	case domain.StrategyExclusive:
		return m.decreaseExclusive(ctx, id, amount)
	case domain.StrategyOptimistic:
		return m.decreaseOptimistic(ctx, id, amount)
	case domain.StrategySerialized:
		return m.decreaseSerialized(ctx, id, amount)
	default:
		return fmt.Errorf("%w: %q", domain.ErrStrategyUnsupported, strategy)
	}
}

func (m *StockMutator) decreaseExclusive(ctx context.Context, id string, amount int64) error {
	locker, ok := m.store.(port.ExclusiveReader)
	if !ok {
		return fmt.Errorf("%w: store cannot lock records", domain.ErrStrategyUnsupported)
	}

	rec, err := locker.ReadForExclusiveAccess(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.CheckAvailable(amount); err != nil {
		return err
	}

	return m.store.Write(ctx, id, rec.Quantity-amount)
}

func (m *StockMutator) decreaseOptimistic(ctx context.Context, id string, amount int64) error {
	rec, err := m.store.ReadWithVersion(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.CheckAvailable(amount); err != nil {
		return err
	}

	if err := m.store.WriteIfVersionMatches(ctx, id, rec.Quantity-amount, rec.Version); err != nil {
		m.logger.Debug("version check failed",
			zap.String("item_id", id),
			zap.Int64("version", rec.Version),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (m *StockMutator) decreaseSerialized(ctx context.Context, id string, amount int64) error {
	release, err := m.gate.Enter(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.store.Read(ctx, id)
	if err != nil {
		return err
	}
	if err := rec.CheckAvailable(amount); err != nil {
		return err
	}

	return m.store.Write(ctx, id, rec.Quantity-amount)
}
