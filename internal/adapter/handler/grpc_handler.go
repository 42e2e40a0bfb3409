package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/service"
)

// StockServiceServer is the server side of stockguard.v1.StockService.
type StockServiceServer interface {
	GetStock(context.Context, *GetStockRequest) (*StockMessage, error)
	Decrease(context.Context, *DecreaseRequest) (*DecreaseResponse, error)
	Purchase(context.Context, *PurchaseRequest) (*PurchaseResponse, error)
}

type GRPCHandler struct {
	stockService    *service.StockService
	orderService    *service.OrderService
	defaultStrategy domain.Strategy
	logger          *zap.Logger
}

var _ StockServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(
	stockService *service.StockService,
	orderService *service.OrderService,
	defaultStrategy domain.Strategy,
	logger *zap.Logger,
) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		stockService:    stockService,
		orderService:    orderService,
		defaultStrategy: defaultStrategy,
		logger:          logger,
	}
}

// NewGRPCServer returns a server speaking the CBOR codec with h registered.
func NewGRPCServer(h StockServiceServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.ForceServerCodec(cborCodec{}),
		grpc.UnaryInterceptor(zapUnaryInterceptor(logger)),
	)
	RegisterStockServiceServer(s, h)
	return s
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&stockServiceDesc, srv)
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *GetStockRequest) (*StockMessage, error) {
	rec, err := h.stockService.Stock(ctx, req.ItemID)
	if err != nil {
		return nil, h.statusError(err)
	}
	return stockMessage(rec), nil
}

func (h *GRPCHandler) Decrease(ctx context.Context, req *DecreaseRequest) (*DecreaseResponse, error) {
	strategy, err := h.strategy(req.Strategy)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var maxAttempts *int
	if req.MaxAttempts != 0 {
		n := int(req.MaxAttempts)
		maxAttempts = &n
	}
	var retryDelayMs *int64
	if req.RetryDelayMs != 0 {
		retryDelayMs = &req.RetryDelayMs
	}
	policy, err := policyFrom(maxAttempts, retryDelayMs)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := h.stockService.Decrease(ctx, req.ItemID, req.Amount, strategy, policy); err != nil {
		return nil, h.statusError(err)
	}

	rec, err := h.stockService.Stock(ctx, req.ItemID)
	if err != nil {
		return nil, h.statusError(err)
	}
	return &DecreaseResponse{Stock: *stockMessage(rec)}, nil
}

// Purchase reports business failures in the response body and reserves gRPC
// errors for malformed requests.
func (h *GRPCHandler) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	strategy, err := h.strategy(req.Strategy)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order, err := h.orderService.PlaceOrder(ctx, domain.OrderRequest{
		RequestID: req.RequestID,
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Strategy:  strategy,
	})
	if err != nil && order.ID == "" {
		return &PurchaseResponse{Success: false, Message: mapError(err).message}, nil
	}

	resp := &PurchaseResponse{OrderID: order.ID, Status: string(order.Status)}
	switch {
	case err != nil:
		resp.Message = mapError(err).message
	case order.Status != domain.OrderStatusConfirmed:
		resp.Message = mapKind(order.FailureKind).message
	default:
		resp.Success = true
		resp.Message = "order placed successfully"
	}
	return resp, nil
}

func (h *GRPCHandler) strategy(name string) (domain.Strategy, error) {
	if name == "" {
		return h.defaultStrategy, nil
	}
	return domain.ParseStrategy(name)
}

func (h *GRPCHandler) statusError(err error) error {
	m := mapError(err)
	if m.grpcCode == codes.Internal {
		h.logger.Error("rpc failed", zap.Error(err))
	}
	return status.Error(m.grpcCode, m.message)
}

func stockMessage(rec domain.StockRecord) *StockMessage {
	return &StockMessage{ID: rec.ID, Quantity: rec.Quantity, Version: rec.Version}
}

func zapUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		logger.Info("rpc completed",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: stockServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStock",
			Handler: unaryHandler("GetStock", func(srv StockServiceServer, ctx context.Context, req *GetStockRequest) (any, error) {
				return srv.GetStock(ctx, req)
			}),
		},
		{
			MethodName: "Decrease",
			Handler: unaryHandler("Decrease", func(srv StockServiceServer, ctx context.Context, req *DecreaseRequest) (any, error) {
				return srv.Decrease(ctx, req)
			}),
		},
		{
			MethodName: "Purchase",
			Handler: unaryHandler("Purchase", func(srv StockServiceServer, ctx context.Context, req *PurchaseRequest) (any, error) {
				return srv.Purchase(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockguard/v1/stock.proto",
}

func unaryHandler[Req any](
	method string,
	call func(StockServiceServer, context.Context, *Req) (any, error),
) grpc.MethodHandler {
	fullMethod := "/" + stockServiceName + "/" + method

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(StockServiceServer), ctx, req.(*Req))
		})
	}
}
