package handler

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
)

func TestStockHTTPClient(t *testing.T) {
	router, svcs := newTestRouter(t, 2, txn.JoinOrCreate)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	client := NewStockHTTPClient(server.URL, 5*time.Second)
	ctx := context.Background()

	got, err := client.Decrease(ctx, testItem, DecreaseHTTPRequest{Amount: 2, Strategy: "optimistic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Quantity != 0 || got.Version != 1 {
		t.Errorf("expected 0@1, got %+v", got)
	}

	_, err = client.Decrease(ctx, testItem, DecreaseHTTPRequest{Amount: 1})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected ErrInsufficientStock, got: %v", err)
	}

	_, err = client.GetStock(ctx, "missing")
	if !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got: %v", err)
	}

	stock, err := client.GetStock(ctx, testItem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stock.Quantity != svcs.quantity(t) {
		t.Errorf("expected %d, got %d", svcs.quantity(t), stock.Quantity)
	}
}
