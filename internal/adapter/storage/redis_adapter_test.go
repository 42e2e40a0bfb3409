package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func setupRedisAdapter(t *testing.T, id string, quantity int64) (*RedisAdapter, *redis.Client) {
	client := getRedisClient(t)
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	client.Del(ctx, stockKeyPrefix+id, lockKeyPrefix+id)

	adapter := NewRedisAdapter(client)
	if err := adapter.Seed(ctx, id, quantity); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return adapter, client
}

func TestRedis_SeedAndRead(t *testing.T) {
	ctx := context.Background()
	adapter, _ := setupRedisAdapter(t, "test-item", 10)

	rec, err := adapter.Read(ctx, "test-item")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Quantity != 10 || rec.Version != 0 {
		t.Errorf("expected 10@0, got %+v", rec)
	}

	// reseeding bumps the version
	adapter.Seed(ctx, "test-item", 5)
	rec, _ = adapter.Read(ctx, "test-item")
	if rec.Quantity != 5 || rec.Version != 1 {
		t.Errorf("expected 5@1, got %+v", rec)
	}
}

func TestRedis_ReadNotFound(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup - ensure key doesn't exist
	client.Del(ctx, "stock:nonexistent")

	if _, err := adapter.Read(ctx, "nonexistent"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got: %v", err)
	}
	if err := adapter.Write(ctx, "nonexistent", 1); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound from Write, got: %v", err)
	}
	if err := adapter.WriteIfVersionMatches(ctx, "nonexistent", 1, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict from CAS, got: %v", err)
	}
}

func TestRedis_WriteIfVersionMatches(t *testing.T) {
	ctx := context.Background()
	adapter, _ := setupRedisAdapter(t, "cas-item", 10)

	if err := adapter.WriteIfVersionMatches(ctx, "cas-item", 7, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Try update with stale version
	if err := adapter.WriteIfVersionMatches(ctx, "cas-item", 3, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got: %v", err)
	}

	rec, _ := adapter.Read(ctx, "cas-item")
	if rec.Quantity != 7 || rec.Version != 1 {
		t.Errorf("expected 7@1, got %+v", rec)
	}
}

func TestRedis_TransactionBuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	adapter, _ := setupRedisAdapter(t, "tx-item", 10)
	m := txn.NewManager(adapter, nil)

	err := m.Run(ctx, txn.AlwaysNew, func(ctx context.Context) error {
		rec, err := adapter.ReadForExclusiveAccess(ctx, "tx-item")
		if err != nil {
			return err
		}
		if err := adapter.Write(ctx, "tx-item", rec.Quantity-4); err != nil {
			return err
		}

		other, _ := adapter.Read(context.Background(), "tx-item")
		if other.Quantity != 10 {
			t.Errorf("expected uncommitted write to be invisible, got %d", other.Quantity)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	rec, _ := adapter.Read(ctx, "tx-item")
	if rec.Quantity != 6 || rec.Version != 1 {
		t.Errorf("expected 6@1, got %+v", rec)
	}
}

func TestRedis_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	adapter, client := setupRedisAdapter(t, "pair-a", 10)
	client.Del(ctx, stockKeyPrefix+"pair-b", lockKeyPrefix+"pair-b")
	if err := adapter.Seed(ctx, "pair-b", 10); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := txn.NewManager(adapter, nil)

	err := m.Run(ctx, txn.AlwaysNew, func(ctx context.Context) error {
		for _, id := range []string{"pair-a", "pair-b"} {
			rec, err := adapter.ReadForExclusiveAccess(ctx, id)
			if err != nil {
				return err
			}
			if err := adapter.Write(ctx, id, rec.Quantity-1); err != nil {
				return err
			}
		}
		// a writer bypassing the lease makes one base version stale
		return client.HIncrBy(ctx, stockKeyPrefix+"pair-b", "version", 1).Err()
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got: %v", err)
	}

	rec, _ := adapter.Read(ctx, "pair-a")
	if rec.Quantity != 10 || rec.Version != 0 {
		t.Errorf("expected pair-a untouched at 10@0, got %+v", rec)
	}
	rec, _ = adapter.Read(ctx, "pair-b")
	if rec.Quantity != 10 || rec.Version != 1 {
		t.Errorf("expected pair-b at 10@1, got %+v", rec)
	}
}

func TestRedis_LeaseBlocksOtherWriters(t *testing.T) {
	ctx := context.Background()
	adapter, client := setupRedisAdapter(t, "lease-item", 10)

	holder, _ := adapter.Begin(ctx)
	holderCtx := txn.Bind(ctx, holder)
	if _, err := adapter.ReadForExclusiveAccess(holderCtx, "lease-item"); err != nil {
		t.Fatalf("lease failed: %v", err)
	}

	// an optimistic writer must not slip in under the lease
	if err := adapter.WriteIfVersionMatches(ctx, "lease-item", 9, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := adapter.ReadForExclusiveAccess(waitCtx, "lease-item"); !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got: %v", err)
	}

	if err := holder.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if n, _ := client.Exists(ctx, lockKeyPrefix+"lease-item").Result(); n != 0 {
		t.Error("expected lease to be released on rollback")
	}
}

func TestRedis_ConcurrentExclusiveDecrements(t *testing.T) {
	ctx := context.Background()
	adapter, _ := setupRedisAdapter(t, "concurrent-test", 20)
	m := txn.NewManager(adapter, nil)

	totalRequests := 50
	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Run(ctx, txn.AlwaysNew, func(ctx context.Context) error {
				rec, err := adapter.ReadForExclusiveAccess(ctx, "concurrent-test")
				if err != nil {
					return err
				}
				if err := rec.CheckAvailable(1); err != nil {
					return err
				}
				return adapter.Write(ctx, "concurrent-test", rec.Quantity-1)
			})
			if err == nil {
				successCount.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 20 {
		t.Errorf("expected 20 successes, got %d", successCount.Load())
	}

	rec, _ := adapter.Read(ctx, "concurrent-test")
	if rec.Quantity != 0 {
		t.Errorf("expected stock 0, got %d", rec.Quantity)
	}
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, "concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}
