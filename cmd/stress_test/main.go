package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/stockguard/internal/adapter/handler"
	"github.com/rl1809/stockguard/internal/adapter/storage"
	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/gate"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/service"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/harness"
	"github.com/rl1809/stockguard/internal/logger"
)

type options struct {
	mode        string
	target      string
	itemID      string
	stock       int64
	calls       int
	workers     int
	amount      int64
	strategy    string
	maxAttempts int
	gate        string
}

// target is what the harness drives: one decrease call and one quantity read.
type target struct {
	decrease harness.Decrease
	observe  harness.Observe
	close    func() error
}

func main() {
	var opts options
	flag.StringVar(&opts.mode, "mode", "local", "local, http or grpc")
	flag.StringVar(&opts.target, "target", "", "server address for http (base URL) or grpc (host:port)")
	flag.StringVar(&opts.itemID, "item", "stress-item", "record id under test")
	flag.Int64Var(&opts.stock, "stock", 20, "initial quantity seeded in local mode")
	flag.IntVar(&opts.calls, "calls", 50, "total decrease calls")
	flag.IntVar(&opts.workers, "workers", 0, "concurrent callers, 0 for one per call")
	flag.Int64Var(&opts.amount, "amount", 1, "quantity removed per call")
	flag.StringVar(&opts.strategy, "strategy", "optimistic", "exclusive, optimistic or serialized")
	flag.IntVar(&opts.maxAttempts, "max-attempts", 0, "retry attempts per call, 0 for the service default")
	flag.StringVar(&opts.gate, "gate", "global", "serialized gate in local mode: global or per-record")
	flag.Parse()

	log := logger.Must(logger.New("info"))
	defer func() { _ = log.Sync() }()

	if err := run(opts, log); err != nil {
		log.Error("stress test failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, log *zap.Logger) error {
	ctx := context.Background()

	strategy, err := domain.ParseStrategy(opts.strategy)
	if err != nil {
		return err
	}

	var t target
	switch opts.mode {
	case "local":
		t, err = localTarget(ctx, opts, strategy, log)
	case "http":
		t, err = httpTarget(opts, strategy)
	case "grpc":
		t, err = grpcTarget(opts, strategy)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		return err
	}
	defer t.close()

	initial, err := t.observe(ctx)
	if err != nil {
		return fmt.Errorf("read initial quantity: %w", err)
	}

	report, err := harness.Run(ctx, harness.Config{Calls: opts.calls, Workers: opts.workers}, t.decrease, t.observe)
	if err != nil {
		return err
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Mode:             %s\n", opts.mode)
	fmt.Printf("Strategy:         %s\n", strategy)
	fmt.Printf("Initial Stock:    %d\n", initial)
	fmt.Printf("Total Requests:   %d\n", report.Calls)
	fmt.Printf("Successful:       %d\n", report.Succeeded())
	for kind, n := range report.Outcomes {
		if kind != domain.KindOK {
			fmt.Printf("  %-22s %d\n", kind.String()+":", n)
		}
	}
	fmt.Printf("Duration:         %v\n", report.Duration)
	fmt.Printf("Final Stock:      %d (min observed %d over %d samples)\n", report.Final, report.MinObserved, report.Samples)
	fmt.Println("==========================================")

	if err := report.Verify(initial, opts.amount); err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Printf("FAIL: %v\n", e)
		}
		return err
	}
	fmt.Println("PASS: quantity never went negative and was conserved")
	return nil
}

func localTarget(ctx context.Context, opts options, strategy domain.Strategy, log *zap.Logger) (target, error) {
	store := storage.NewMemoryStore()
	if err := store.Seed(ctx, opts.itemID, opts.stock); err != nil {
		return target{}, err
	}

	g, err := gate.New(opts.gate)
	if err != nil {
		return target{}, err
	}

	stockService := service.NewStockService(
		store,
		service.NewStockMutator(store, g, logger.Named(log, "mutator")),
		txn.NewManager(store, nil),
		retry.NewController(),
	)

	policy := attemptsPolicy(opts.maxAttempts)
	return target{
		decrease: func(ctx context.Context) error {
			return stockService.Decrease(ctx, opts.itemID, opts.amount, strategy, policy)
		},
		observe: func(ctx context.Context) (int64, error) {
			rec, err := store.Read(ctx, opts.itemID)
			return rec.Quantity, err
		},
		close: func() error { return nil },
	}, nil
}

func httpTarget(opts options, strategy domain.Strategy) (target, error) {
	base := opts.target
	if base == "" {
		base = "http://localhost:8080"
	}
	client := handler.NewStockHTTPClient(base, 30*time.Second)

	req := handler.DecreaseHTTPRequest{Amount: opts.amount, Strategy: string(strategy)}
	if opts.maxAttempts > 0 {
		req.MaxAttempts = &opts.maxAttempts
	}

	return target{
		decrease: func(ctx context.Context) error {
			_, err := client.Decrease(ctx, opts.itemID, req)
			return err
		},
		observe: func(ctx context.Context) (int64, error) {
			rec, err := client.GetStock(ctx, opts.itemID)
			return rec.Quantity, err
		},
		close: func() error { return nil },
	}, nil
}

func grpcTarget(opts options, strategy domain.Strategy) (target, error) {
	addr := opts.target
	if addr == "" {
		addr = "localhost:50051"
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return target{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	client := handler.NewStockServiceClient(conn)

	req := &handler.DecreaseRequest{
		ItemID:      opts.itemID,
		Amount:      opts.amount,
		Strategy:    string(strategy),
		MaxAttempts: int32(opts.maxAttempts),
	}

	return target{
		decrease: func(ctx context.Context) error {
			_, err := client.Decrease(ctx, req)
			return handler.DomainError(err)
		},
		observe: func(ctx context.Context) (int64, error) {
			rec, err := client.GetStock(ctx, &handler.GetStockRequest{ItemID: opts.itemID})
			if err != nil {
				return 0, handler.DomainError(err)
			}
			return rec.Quantity, nil
		},
		close: conn.Close,
	}, nil
}

func attemptsPolicy(maxAttempts int) *retry.Policy {
	if maxAttempts <= 0 {
		return nil
	}
	p := retry.DefaultPolicy()
	p.MaxAttempts = maxAttempts
	return &p
}
