package handler

import (
	"context"
	"testing"
	"time"

	"github.com/rl1809/stockguard/internal/adapter/storage"
	"github.com/rl1809/stockguard/internal/core/gate"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/service"
	"github.com/rl1809/stockguard/internal/core/txn"
)

const testItem = "iphone-15"

type testServices struct {
	store  *storage.MemoryStore
	stock  *service.StockService
	orders *service.OrderService
}

func newTestServices(t *testing.T, quantity int64, propagation txn.Propagation) *testServices {
	t.Helper()

	store := storage.NewMemoryStore()
	if err := store.Seed(context.Background(), testItem, quantity); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	tx := txn.NewManager(store, nil)
	stock := service.NewStockService(
		store,
		service.NewStockMutator(store, gate.NewGlobal(), nil),
		tx,
		retry.NewController(),
		service.WithPropagation(propagation),
		service.WithDefaultPolicy(retry.Policy{MaxAttempts: 1000, Backoff: retry.Jittered(time.Millisecond)}),
	)

	orders := service.NewOrderService(stock, storage.NewMemoryIdempotency(time.Hour), tx, 16, nil)
	t.Cleanup(orders.Close)
	go func() {
		for range orders.Orders() {
		}
	}()

	return &testServices{store: store, stock: stock, orders: orders}
}

func (s *testServices) quantity(t *testing.T) int64 {
	t.Helper()

	rec, err := s.store.Read(context.Background(), testItem)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return rec.Quantity
}
