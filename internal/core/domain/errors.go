package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound      = errors.New("record not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnexpectedRollback  = errors.New("transaction silently rolled back because it has been marked as rollback-only")
	ErrCancelled           = errors.New("operation cancelled")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrStrategyUnsupported = errors.New("strategy not supported by store")
	ErrDuplicateRequest    = errors.New("duplicate request")
)

// Kind is the failure class callers branch on.
type Kind int

const (
	KindOK Kind = iota
	KindRecordNotFound
	KindInsufficientStock
	KindConcurrencyConflict
	KindUnexpectedRollback
	KindCancelled
	KindInvalidAmount
	KindStrategyUnsupported
	KindDuplicateRequest
	KindInternal
)

var kindNames = map[Kind]string{
	KindOK:                  "ok",
	KindRecordNotFound:      "record_not_found",
	KindInsufficientStock:   "insufficient_stock",
	KindConcurrencyConflict: "concurrency_conflict",
	KindUnexpectedRollback:  "unexpected_rollback",
	KindCancelled:           "cancelled",
	KindInvalidAmount:       "invalid_amount",
	KindStrategyUnsupported: "strategy_unsupported",
	KindDuplicateRequest:    "duplicate_request",
	KindInternal:            "internal",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// KindOf classifies err. Rollback and cancellation are checked first so a
// conflict that poisoned a boundary is reported as the boundary failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrUnexpectedRollback):
		return KindUnexpectedRollback
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrRecordNotFound):
		return KindRecordNotFound
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrStrategyUnsupported):
		return KindStrategyUnsupported
	case errors.Is(err, ErrDuplicateRequest):
		return KindDuplicateRequest
	default:
		return KindInternal
	}
}

// IsConflict reports whether err is a retryable version conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConcurrencyConflict
}

// Cancelled wraps a context error so it is never confused with a conflict.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
