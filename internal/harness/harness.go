// Package harness drives many concurrent decreases against one record and
// checks that quantity stays non-negative and is conserved.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stockguard/internal/core/domain"
)

const defaultSampleInterval = time.Millisecond

// Decrease performs one call under test.
type Decrease func(ctx context.Context) error

// Observe reads the current quantity of the record under test.
type Observe func(ctx context.Context) (int64, error)

type Config struct {
	// Calls is the total number of Decrease invocations.
	Calls int

	// Workers bounds how many calls run at once. Zero runs every call on
	// its own goroutine.
	Workers int

	// SampleInterval is how often Observe is polled while calls run.
	SampleInterval time.Duration
}

type Report struct {
	Calls    int
	Outcomes map[domain.Kind]int
	Duration time.Duration

	Samples          int
	MinObserved      int64
	NegativeObserved bool

	Final    int64
	HasFinal bool
}

func (r Report) Succeeded() int {
	return r.Outcomes[domain.KindOK]
}

// Verify checks non-negativity and conservation: the final quantity must be
// initial minus amount for every successful call.
func (r Report) Verify(initial, amount int64) error {
	if !r.HasFinal {
		return errors.New("harness: no final quantity observed")
	}

	var err error
	if r.NegativeObserved {
		err = multierr.Append(err, fmt.Errorf("negative quantity observed: %d", r.MinObserved))
	}
	if r.Final < 0 {
		err = multierr.Append(err, fmt.Errorf("negative final quantity: %d", r.Final))
	}
	if want := initial - int64(r.Succeeded())*amount; r.Final != want {
		err = multierr.Append(err, fmt.Errorf("quantity not conserved: want %d, got %d (%d succeeded)", want, r.Final, r.Succeeded()))
	}

	total := 0
	for _, n := range r.Outcomes {
		total += n
	}
	if total != r.Calls {
		err = multierr.Append(err, fmt.Errorf("outcomes cover %d of %d calls", total, r.Calls))
	}
	return err
}

func (r Report) String() string {
	kinds := make([]domain.Kind, 0, len(r.Outcomes))
	for k := range r.Outcomes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	s := fmt.Sprintf("calls=%d duration=%s", r.Calls, r.Duration)
	for _, k := range kinds {
		s += fmt.Sprintf(" %s=%d", k, r.Outcomes[k])
	}
	if r.HasFinal {
		s += fmt.Sprintf(" final=%d min=%d", r.Final, r.MinObserved)
	}
	return s
}

// Run releases every worker at once through a start barrier and classifies
// each outcome with domain.KindOf. When observe is non-nil the quantity is
// sampled while calls run and read once more at the end.
func Run(ctx context.Context, cfg Config, decrease Decrease, observe Observe) (Report, error) {
	if cfg.Calls <= 0 {
		return Report{}, errors.New("harness: calls must be positive")
	}

	workers := cfg.Workers
	if workers <= 0 || workers > cfg.Calls {
		workers = cfg.Calls
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	report := Report{Calls: cfg.Calls, Outcomes: map[domain.Kind]int{}}

	var (
		mu    sync.Mutex
		next  atomic.Int64
		start = make(chan struct{})
	)

	var g errgroup.Group
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			<-start
			for next.Add(1) <= int64(cfg.Calls) {
				kind := domain.KindOf(decrease(ctx))
				mu.Lock()
				report.Outcomes[kind]++
				mu.Unlock()
			}
			return nil
		})
	}

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()

	sampler, sampleCtx := errgroup.WithContext(sampleCtx)
	if observe != nil {
		report.MinObserved = 1<<63 - 1
		sampler.Go(func() error {
			return sample(sampleCtx, interval, observe, &mu, &report)
		})
	}

	began := time.Now()
	close(start)
	g.Wait()
	report.Duration = time.Since(began)

	stopSampling()
	if err := sampler.Wait(); err != nil {
		return report, err
	}

	if observe != nil {
		final, err := observe(ctx)
		if err != nil {
			return report, fmt.Errorf("observe final quantity: %w", err)
		}
		report.Final, report.HasFinal = final, true
		record(&report, final)
	}

	return report, nil
}

func sample(ctx context.Context, interval time.Duration, observe Observe, mu *sync.Mutex, report *Report) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		q, err := observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("observe quantity: %w", err)
		}

		mu.Lock()
		record(report, q)
		mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func record(report *Report, q int64) {
	report.Samples++
	if q < report.MinObserved {
		report.MinObserved = q
	}
	if q < 0 {
		report.NegativeObserved = true
	}
}
