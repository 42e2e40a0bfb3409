package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

// OrderRequest is what a caller submits to place an order.
type OrderRequest struct {
	RequestID string
	ItemID    string
	Quantity  int64
	Strategy  Strategy
}

type Order struct {
	ID            string
	RequestID     string
	ItemID        string
	Quantity      int64
	Strategy      Strategy
	Status        OrderStatus
	FailureKind   Kind
	FailureReason string
	CreatedAt     time.Time
}

// Fail records why the order could not be confirmed.
func (o *Order) Fail(err error) {
	o.Status = OrderStatusFailed
	o.FailureKind = KindOf(err)
	o.FailureReason = err.Error()
}
