package domain

import (
	"fmt"
	"strings"
)

// StockRecord is the versioned inventory row every strategy mutates.
type StockRecord struct {
	ID       string
	Quantity int64
	Version  int64 // optimistic locking
}

// Strategy selects the concurrency control used by a single decrease.
type Strategy string

const (
	StrategyExclusive  Strategy = "exclusive"
	StrategyOptimistic Strategy = "optimistic"
	StrategySerialized Strategy = "serialized"
)

// ParseStrategy accepts the configuration spelling of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyExclusive, StrategyOptimistic, StrategySerialized:
		return st, nil
	case "pessimistic":
		return StrategyExclusive, nil
	case "synchronized":
		return StrategySerialized, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// CheckAvailable applies the business rule shared by every strategy.
func (r StockRecord) CheckAvailable(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > r.Quantity {
		return fmt.Errorf("%w: %s has %d, requested %d", ErrInsufficientStock, r.ID, r.Quantity, amount)
	}
	return nil
}
