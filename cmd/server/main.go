package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/adapter/handler"
	"github.com/rl1809/stockguard/internal/adapter/storage"
	"github.com/rl1809/stockguard/internal/config"
	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/gate"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/service"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/logger"
	"github.com/rl1809/stockguard/internal/port"
)

// backend is everything the services need from the selected store.
type backend struct {
	store       port.VersionedRecordStore
	beginner    port.TxBeginner
	seeder      port.Seeder
	orders      port.OrderRepository
	idempotency port.IdempotencyStore
	closers     []func() error
}

func (b *backend) close(log *zap.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Error("failed to close backend", zap.Error(err))
		}
	}
}

func main() {
	envFile := flag.String("env", "", "path to an env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		panic(err)
	}

	baseLogger := logger.Must(logger.New(cfg.LogLevel))
	defer func() { _ = baseLogger.Sync() }()

	zap.ReplaceGlobals(baseLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger.Named(baseLogger, "storage"))
	if err != nil {
		baseLogger.Fatal("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer be.close(baseLogger)

	if cfg.Seed.ItemID != "" {
		if err := be.seeder.Seed(ctx, cfg.Seed.ItemID, cfg.Seed.Quantity); err != nil {
			baseLogger.Fatal("failed to seed stock", zap.Error(err))
		}
		baseLogger.Info("initialized stock",
			zap.String("item_id", cfg.Seed.ItemID),
			zap.Int64("quantity", cfg.Seed.Quantity))
	}

	stockService, orderService, err := buildServices(cfg, be, baseLogger)
	if err != nil {
		baseLogger.Fatal("failed to build services", zap.Error(err))
	}

	// Start worker pool
	var wg sync.WaitGroup
	workerLogger := logger.Named(baseLogger, "worker")
	for i := 0; i < cfg.Orders.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLoop(id, orderService.Orders(), be.orders, workerLogger)
		}(i)
	}
	baseLogger.Info("started order workers", zap.Int("count", cfg.Orders.Workers))

	grpcServer := handler.NewGRPCServer(
		handler.NewGRPCHandler(stockService, orderService, cfg.Stock.Strategy, logger.Named(baseLogger, "handlers.grpc")),
		logger.Named(baseLogger, "grpc"),
	)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		baseLogger.Fatal("failed to listen", zap.String("port", cfg.Server.GRPCPort), zap.Error(err))
	}
	go func() {
		baseLogger.Info("gRPC server listening", zap.String("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			baseLogger.Error("gRPC server error", zap.Error(err))
		}
	}()

	httpHandler := handler.NewHTTPHandler(stockService, orderService, cfg.Stock.Strategy, logger.Named(baseLogger, "handlers.http"))
	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      handler.NewRouter(httpHandler, logger.Named(baseLogger, "router")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		baseLogger.Info("HTTP server listening", zap.String("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Fatal("http server crashed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	baseLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	baseLogger.Info("servers stopped")

	// Close order queue and wait for workers
	orderService.Close()
	wg.Wait()
	baseLogger.Info("workers stopped")
}

func buildServices(cfg *config.Config, be *backend, baseLogger *zap.Logger) (*service.StockService, *service.OrderService, error) {
	g, err := gate.New(cfg.Stock.SerialGate)
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, nil, err
	}

	tx := txn.NewManager(be.beginner, logger.Named(baseLogger, "txn"))
	stockService := service.NewStockService(
		be.store,
		service.NewStockMutator(be.store, g, logger.Named(baseLogger, "svc.mutator")),
		tx,
		retry.NewController(retry.WithLogger(logger.Named(baseLogger, "retry"))),
		service.WithDefaultPolicy(policy),
		service.WithPropagation(cfg.Stock.Propagation),
		service.WithStockLogger(logger.Named(baseLogger, "svc.stock")),
	)
	orderService := service.NewOrderService(
		stockService,
		be.idempotency,
		tx,
		cfg.Orders.QueueSize,
		logger.Named(baseLogger, "svc.orders"),
	)
	return stockService, orderService, nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	be := &backend{
		orders:      storage.NewMemoryOrders(),
		idempotency: storage.NewMemoryIdempotency(cfg.Store.IdempotencyTTL),
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		s := storage.NewMemoryStore()
		be.store, be.beginner, be.seeder = s, s, s

	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
		be.closers = append(be.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			be.close(log)
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		s := storage.NewMySQLAdapter(db)
		if err := s.EnsureSchema(ctx); err != nil {
			be.close(log)
			return nil, err
		}
		be.store, be.beginner, be.seeder, be.orders = s, s, s, s
		log.Info("connected to mysql")

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			PoolSize: 100,
		})
		be.closers = append(be.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			be.close(log)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s := storage.NewRedisAdapter(rdb)
		be.store, be.beginner, be.seeder, be.idempotency = s, s, s, s
		log.Info("connected to redis")

	case config.BackendBolt:
		s, err := storage.OpenBoltStore(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, s.Close)
		be.store, be.beginner, be.seeder = s, s, s
		log.Info("opened bolt database", zap.String("path", cfg.Store.BoltPath))

	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		s := storage.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.Store.DynamoDBTable)
		be.store, be.beginner, be.seeder = s, storage.AutoCommit{}, s
		log.Info("using dynamodb table", zap.String("table", cfg.Store.DynamoDBTable))

	case config.BackendMongoDB:
		s, err := storage.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDB)
		if err != nil {
			return nil, err
		}
		be.closers = append(be.closers, func() error { return s.Close(context.Background()) })
		be.store, be.beginner, be.seeder = s, storage.AutoCommit{}, s
		log.Info("connected to mongodb", zap.String("db", cfg.Store.MongoDB))

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if _, ok := be.store.(port.ExclusiveReader); !ok {
		log.Warn("store has no exclusive reads, exclusive strategy will be refused",
			zap.String("backend", cfg.Store.Backend))
	}
	return be, nil
}

func workerLoop(id int, queue <-chan domain.Order, repo port.OrderRepository, log *zap.Logger) {
	for order := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		if err := repo.SaveOrder(ctx, order); err != nil {
			log.Error("failed to save order",
				zap.Int("worker", id),
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.Error(err))
		} else {
			log.Debug("saved order",
				zap.Int("worker", id),
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)))
		}

		cancel()
	}
}
