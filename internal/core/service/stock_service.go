package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

// StockService composes the mutator with transaction boundaries and retries.
//
//	exclusive:  boundary(mutator)
//	optimistic: retry(boundary(mutator)), one fresh boundary per attempt
//	serialized: gate(mutator), detached from any enclosing boundary
//
// A policy passed to Decrease wraps exclusive and serialized in the same
// retry loop.
type StockService struct {
	store       port.VersionedRecordStore
	mutator     *StockMutator
	tx          *txn.Manager
	retrier     *retry.Controller
	policy      retry.Policy
	propagation txn.Propagation
	logger      *zap.Logger
}

type StockOption func(*StockService)

// WithDefaultPolicy sets the policy used for optimistic decreases when the
// caller passes none.
func WithDefaultPolicy(p retry.Policy) StockOption {
	return func(s *StockService) {
		s.policy = p
	}
}

// WithPropagation sets how decrease boundaries relate to one already bound to
// the caller's context.
func WithPropagation(p txn.Propagation) StockOption {
	return func(s *StockService) {
		s.propagation = p
	}
}

func WithStockLogger(l *zap.Logger) StockOption {
	return func(s *StockService) {
		s.logger = l
	}
}

func NewStockService(
	store port.VersionedRecordStore,
	mutator *StockMutator,
	tx *txn.Manager,
	retrier *retry.Controller,
	opts ...StockOption,
) *StockService {
	s := &StockService{
		store:       store,
		mutator:     mutator,
		tx:          tx,
		retrier:     retrier,
		policy:      retry.DefaultPolicy(),
		propagation: txn.JoinOrCreate,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StockService) Propagation() txn.Propagation {
	return s.propagation
}

// Stock returns the current record without locking.
func (s *StockService) Stock(ctx context.Context, id string) (domain.StockRecord, error) {
	return s.store.Read(ctx, id)
}

// Decrease reduces the quantity of id by amount using strategy. A nil policy
// means the service default for optimistic and a single attempt otherwise.
func (s *StockService) Decrease(ctx context.Context, id string, amount int64, strategy domain.Strategy, policy *retry.Policy) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	var attempt func(context.Context) error
	switch strategy {
	case domain.StrategyExclusive, domain.StrategyOptimistic:
		attempt = func(ctx context.Context) error {
			return s.tx.Run(ctx, s.propagation, func(ctx context.Context) error {
				return s.mutator.Decrease(ctx, id, amount, strategy)
			})
		}
	case domain.StrategySerialized:
		// every write must commit before the gate is released
		attempt = func(ctx context.Context) error {
			return s.mutator.Decrease(txn.Detach(ctx), id, amount, strategy)
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrStrategyUnsupported, strategy)
	}

	logger := s.logger.With(
		zap.String("item_id", id),
		zap.Int64("amount", amount),
		zap.String("strategy", string(strategy)),
	)

	var err error
	switch {
	case policy != nil:
		err = s.retrier.Run(ctx, *policy, attempt)
	case strategy == domain.StrategyOptimistic:
		err = s.retrier.Run(ctx, s.policy, attempt)
	default:
		err = attempt(ctx)
	}

	if err != nil {
		logger.Debug("decrease failed", zap.Stringer("kind", domain.KindOf(err)), zap.Error(err))
		return err
	}

	logger.Debug("decrease succeeded")
	return nil
}
