// Package retry re-executes a whole unit of work after retryable failures.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/dogmatiq/linger"
	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Controller struct {
	sleep  Sleeper
	logger *zap.Logger
}

type Option func(*Controller)

// WithSleeper replaces the real-time sleep, typically with a fake clock in
// tests.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) {
		c.sleep = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		sleep: func(ctx context.Context, d time.Duration) error {
			return linger.Sleep(ctx, d)
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Run calls op until it succeeds, fails with a non-retryable error, or has
// been attempted p.MaxAttempts times. The last failure is returned as is.
//
// A ctx cancelled while waiting between attempts ends the loop with
// domain.ErrCancelled.
func (c *Controller) Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				c.logger.Debug("succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		if !p.retryable(err) {
			return err
		}

		if attempt >= p.MaxAttempts {
			c.logger.Warn("retry attempts exhausted",
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		d := p.delay(err, attempt)
		if d < 0 {
			return fmt.Errorf("%w: %v after attempt %d", ErrNegativeDelay, d, attempt)
		}
		c.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", d),
			zap.Error(err),
		)

		if err := c.sleep(ctx, d); err != nil {
			return domain.Cancelled(err)
		}
	}
}
