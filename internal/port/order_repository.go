package port

import (
	"context"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// OrderRepository persists placed orders, both confirmed and failed.
type OrderRepository interface {
	SaveOrder(ctx context.Context, order domain.Order) error
}
