// Package txn runs units of work inside explicit transaction boundaries.
//
// A boundary is bound to a context.Context. Stores look the physical
// transaction up with TransactionFrom and fall back to auto-commit when the
// context carries none.
package txn

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/port"
)

// Propagation decides how a boundary relates to one already bound to ctx.
type Propagation int

const (
	// JoinOrCreate runs the body in the enclosing boundary if there is one.
	// A body failure marks the enclosing boundary rollback-only.
	JoinOrCreate Propagation = iota

	// AlwaysNew runs the body in its own physical transaction, committed or
	// rolled back on the body's outcome alone.
	AlwaysNew
)

func (p Propagation) String() string {
	switch p {
	case JoinOrCreate:
		return "join"
	case AlwaysNew:
		return "new"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation accepts the configuration spelling of a propagation mode.
func ParsePropagation(s string) (Propagation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "join", "join_or_create", "required":
		return JoinOrCreate, nil
	case "new", "always_new", "requires_new":
		return AlwaysNew, nil
	default:
		return 0, fmt.Errorf("unknown propagation %q", s)
	}
}

type boundary struct {
	id           string
	tx           port.Transaction
	rollbackOnly atomic.Bool
}

type contextKey struct{}

// Manager begins, commits and rolls back boundaries against a TxBeginner.
type Manager struct {
	beginner port.TxBeginner
	logger   *zap.Logger
}

func NewManager(beginner port.TxBeginner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{beginner: beginner, logger: logger}
}

// Run executes body within a boundary chosen by p.
//
// When Run creates the boundary it rolls back if body fails, if body panics,
// or if the boundary was marked rollback-only; in the last case it returns
// domain.ErrUnexpectedRollback even though body itself returned nil.
func (m *Manager) Run(ctx context.Context, p Propagation, body func(context.Context) error) error {
	if p == JoinOrCreate {
		if b := from(ctx); b != nil {
			err := body(ctx)
			if err != nil {
				b.rollbackOnly.Store(true)
				m.logger.Debug("joined boundary marked rollback-only",
					zap.String("tx", b.id),
					zap.Error(err),
				)
			}
			return err
		}
	}

	return m.runNew(ctx, body)
}

func (m *Manager) runNew(ctx context.Context, body func(context.Context) error) error {
	tx, err := m.beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	b := &boundary{id: uuid.NewString(), tx: tx}
	logger := m.logger.With(zap.String("tx", b.id))

	defer func() {
		if r := recover(); r != nil {
			if rbErr := m.rollback(ctx, b); rbErr != nil {
				logger.Error("rollback after panic failed", zap.Error(rbErr))
			}
			panic(r)
		}
	}()

	if err := body(context.WithValue(ctx, contextKey{}, b)); err != nil {
		logger.Debug("rolling back", zap.Error(err))
		return multierr.Append(err, m.rollback(ctx, b))
	}

	if b.rollbackOnly.Load() {
		logger.Warn("commit refused, boundary is rollback-only")
		return multierr.Append(domain.ErrUnexpectedRollback, m.rollback(ctx, b))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	logger.Debug("committed")
	return nil
}

// rollback must still reach the store when ctx is already cancelled.
func (m *Manager) rollback(ctx context.Context, b *boundary) error {
	if err := b.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Bind returns a context carrying tx as its boundary. The caller owns tx and
// must commit or roll it back itself.
func Bind(ctx context.Context, tx port.Transaction) context.Context {
	return context.WithValue(ctx, contextKey{}, &boundary{id: uuid.NewString(), tx: tx})
}

// Detach returns a context that carries no boundary, so stores auto-commit
// every write made with it.
func Detach(ctx context.Context) context.Context {
	if from(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, (*boundary)(nil))
}

// TransactionFrom returns the physical transaction of the boundary bound to
// ctx.
func TransactionFrom(ctx context.Context) (port.Transaction, bool) {
	b := from(ctx)
	if b == nil {
		return nil, false
	}
	return b.tx, true
}

// SetRollbackOnly marks the boundary bound to ctx. It returns false if there
// is none.
func SetRollbackOnly(ctx context.Context) bool {
	b := from(ctx)
	if b != nil {
		b.rollbackOnly.Store(true)
	}
	return b != nil
}

func IsRollbackOnly(ctx context.Context) bool {
	b := from(ctx)
	return b != nil && b.rollbackOnly.Load()
}

// BoundaryID identifies the boundary bound to ctx for log correlation.
func BoundaryID(ctx context.Context) string {
	if b := from(ctx); b != nil {
		return b.id
	}
	return ""
}

func from(ctx context.Context) *boundary {
	b, _ := ctx.Value(contextKey{}).(*boundary)
	return b
}
