package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"

	"github.com/rl1809/stockguard/internal/core/domain"
)

const (
	// DefaultMaxAttempts and DefaultDelay are the optimistic-strategy
	// defaults.
	DefaultMaxAttempts = 50
	DefaultDelay       = 50 * time.Millisecond
)

// ErrNegativeDelay is returned for a backoff that would wait a negative
// duration.
var ErrNegativeDelay = errors.New("retry delay must not be negative")

// Policy describes how often and when a failed operation is retried.
type Policy struct {
	// MaxAttempts caps the number of times the operation runs, including the
	// first attempt.
	MaxAttempts int

	// Backoff computes the delay after the n'th failed attempt. nil means
	// retry immediately.
	Backoff backoff.Strategy

	// Retryable reports whether a failure may be retried. nil retries
	// concurrency conflicts only.
	Retryable func(error) bool
}

// DefaultPolicy returns the policy used by the optimistic strategy when the
// caller supplies none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     Fixed(DefaultDelay),
		Retryable:   domain.IsConflict,
	}
}

// Fixed waits d between attempts.
func Fixed(d time.Duration) backoff.Strategy {
	return backoff.Constant(d)
}

// Jittered waits a random duration in [0, d] between attempts.
func Jittered(d time.Duration) backoff.Strategy {
	return backoff.WithTransforms(
		backoff.Constant(d),
		linger.FullJitter,
	)
}

// NewBackoff builds a strategy from its configuration name.
func NewBackoff(kind string, d time.Duration) (backoff.Strategy, error) {
	if d < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNegativeDelay, d)
	}
	switch strings.ToLower(kind) {
	case "", "fixed":
		return Fixed(d), nil
	case "jitter", "jittered":
		return Jittered(d), nil
	default:
		return nil, fmt.Errorf("unknown backoff %q", kind)
	}
}

// OnKinds retries failures of the given kinds.
func OnKinds(kinds ...domain.Kind) func(error) bool {
	return func(err error) bool {
		k := domain.KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	return nil
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return domain.IsConflict(err)
	}
	return p.Retryable(err)
}

func (p Policy) delay(err error, attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(err, uint(attempt))
}
