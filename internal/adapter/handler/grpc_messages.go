package handler

const stockServiceName = "stockguard.v1.StockService"

type GetStockRequest struct {
	ItemID string `cbor:"1,keyasint"`
}

type StockMessage struct {
	ID       string `cbor:"1,keyasint"`
	Quantity int64  `cbor:"2,keyasint"`
	Version  int64  `cbor:"3,keyasint"`
}

type DecreaseRequest struct {
	ItemID   string `cbor:"1,keyasint"`
	Amount   int64  `cbor:"2,keyasint"`
	Strategy string `cbor:"3,keyasint"`

	// Zero leaves the retry policy to the service.
	MaxAttempts  int32 `cbor:"4,keyasint,omitempty"`
	RetryDelayMs int64 `cbor:"5,keyasint,omitempty"`
}

type DecreaseResponse struct {
	Stock StockMessage `cbor:"1,keyasint"`
}

type PurchaseRequest struct {
	RequestID string `cbor:"1,keyasint"`
	ItemID    string `cbor:"2,keyasint"`
	Quantity  int64  `cbor:"3,keyasint"`
	Strategy  string `cbor:"4,keyasint"`
}

type PurchaseResponse struct {
	Success bool   `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	OrderID string `cbor:"3,keyasint,omitempty"`
	Status  string `cbor:"4,keyasint,omitempty"`
}
