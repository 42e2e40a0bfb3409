package handler

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// StockServiceClient calls stockguard.v1.StockService over a connection
// using the CBOR codec.
type StockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStockServiceClient(cc grpc.ClientConnInterface) *StockServiceClient {
	return &StockServiceClient{cc: cc}
}

func (c *StockServiceClient) GetStock(ctx context.Context, req *GetStockRequest) (*StockMessage, error) {
	out := new(StockMessage)
	if err := c.invoke(ctx, "GetStock", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) Decrease(ctx context.Context, req *DecreaseRequest) (*DecreaseResponse, error) {
	out := new(DecreaseResponse)
	if err := c.invoke(ctx, "Decrease", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	out := new(PurchaseResponse)
	if err := c.invoke(ctx, "Purchase", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+stockServiceName+"/"+method, in, out, grpc.ForceCodec(cborCodec{}))
}

var kindsByCode = map[codes.Code]error{
	codes.NotFound:           domain.ErrRecordNotFound,
	codes.FailedPrecondition: domain.ErrInsufficientStock,
	codes.Aborted:            domain.ErrConcurrencyConflict,
	codes.AlreadyExists:      domain.ErrDuplicateRequest,
	codes.Unimplemented:      domain.ErrStrategyUnsupported,
	codes.Canceled:           domain.ErrCancelled,
	codes.DeadlineExceeded:   domain.ErrCancelled,
	codes.InvalidArgument:    domain.ErrInvalidAmount,
}

// DomainError converts a status error from the stock service back into the
// domain error it was mapped from, keeping the status message as context.
func DomainError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if target, ok := kindsByCode[st.Code()]; ok {
		return fmt.Errorf("%w: %w", target, err)
	}
	return err
}
