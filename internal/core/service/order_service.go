package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
	"github.com/rl1809/stockguard/internal/port"
)

var ErrMissingField = errors.New("missing required field")

// OrderService places orders against a StockService.
//
// A stock failure inside PlaceOrder is logged and the order is marked failed
// rather than aborting the call. Whether that failure also dooms the outer
// transaction depends on the stock service propagation: a joined boundary is
// already rollback-only, so the outer commit fails with
// domain.ErrUnexpectedRollback.
type OrderService struct {
	stock       *StockService
	idempotency port.IdempotencyStore
	tx          *txn.Manager
	orderQueue  chan domain.Order
	queueMu     sync.RWMutex
	closed      bool
	logger      *zap.Logger
	now         func() time.Time
}

func NewOrderService(
	stock *StockService,
	idempotency port.IdempotencyStore,
	tx *txn.Manager,
	queueSize int,
	logger *zap.Logger,
) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		stock:       stock,
		idempotency: idempotency,
		tx:          tx,
		orderQueue:  make(chan domain.Order, queueSize),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *OrderService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if req.RequestID == "" || req.ItemID == "" {
		return domain.Order{}, ErrMissingField
	}
	if req.Quantity <= 0 {
		return domain.Order{}, domain.ErrInvalidAmount
	}

	ok, err := s.idempotency.SetIdempotency(ctx, "order:"+req.RequestID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return domain.Order{}, domain.ErrDuplicateRequest
	}

	order := domain.Order{
		ID:        uuid.NewString(),
		RequestID: req.RequestID,
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Strategy:  req.Strategy,
		Status:    domain.OrderStatusPending,
		CreatedAt: s.now(),
	}
	logger := s.logger.With(
		zap.String("order_id", order.ID),
		zap.String("request_id", req.RequestID),
		zap.String("item_id", req.ItemID),
	)

	err = s.tx.Run(ctx, txn.JoinOrCreate, func(ctx context.Context) error {
		if err := s.stock.Decrease(ctx, req.ItemID, req.Quantity, req.Strategy, nil); err != nil {
			logger.Warn("stock decrease failed, continuing",
				zap.Stringer("kind", domain.KindOf(err)),
				zap.Error(err),
			)
			order.Fail(err)
			return nil
		}
		order.Status = domain.OrderStatusConfirmed
		return nil
	})
	if err != nil {
		logger.Error("order transaction failed", zap.Error(err))
		if order.Status != domain.OrderStatusFailed {
			order.Fail(err)
		}
		s.publish(ctx, order)
		return order, err
	}

	logger.Info("order placed", zap.String("status", string(order.Status)))
	s.publish(ctx, order)
	return order, nil
}

// Orders delivers every placed order, confirmed or failed.
func (s *OrderService) Orders() <-chan domain.Order {
	return s.orderQueue
}

// Close stops the queue. Orders placed afterwards are still returned to the
// caller but are no longer delivered.
func (s *OrderService) Close() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.orderQueue)
	}
}

func (s *OrderService) publish(ctx context.Context, order domain.Order) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	if s.closed {
		s.logger.Warn("order dropped, queue closed", zap.String("order_id", order.ID))
		return
	}

	select {
	case s.orderQueue <- order:
	case <-ctx.Done():
		s.logger.Warn("order dropped from queue", zap.String("order_id", order.ID), zap.Error(ctx.Err()))
	}
}
