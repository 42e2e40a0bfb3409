package storage

import (
	"context"
	"sync"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/port"
)

var _ port.OrderRepository = (*MemoryOrders)(nil)

// MemoryOrders is the OrderRepository used with non-SQL backends.
type MemoryOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: map[string]domain.Order{}}
}

func (m *MemoryOrders) SaveOrder(ctx context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	return nil
}

func (m *MemoryOrders) Order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *MemoryOrders) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}
