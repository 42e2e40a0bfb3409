package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/retry"
	"github.com/rl1809/stockguard/internal/core/service"
)

type HTTPHandler struct {
	stockService    *service.StockService
	orderService    *service.OrderService
	defaultStrategy domain.Strategy
	logger          *zap.Logger
}

type DecreaseHTTPRequest struct {
	Amount       int64  `json:"amount"`
	Strategy     string `json:"strategy"`
	MaxAttempts  *int   `json:"max_attempts,omitempty"`
	RetryDelayMs *int64 `json:"retry_delay_ms,omitempty"`
}

type OrderHTTPRequest struct {
	RequestID string `json:"request_id"`
	ItemID    string `json:"item_id"`
	Quantity  int64  `json:"quantity"`
	Strategy  string `json:"strategy"`
}

type StockHTTPResponse struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
	Version  int64  `json:"version"`
}

type OrderHTTPResponse struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	ItemID        string    `json:"item_id"`
	Quantity      int64     `json:"quantity"`
	Strategy      string    `json:"strategy"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type HTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func NewHTTPHandler(
	stockService *service.StockService,
	orderService *service.OrderService,
	defaultStrategy domain.Strategy,
	logger *zap.Logger,
) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		stockService:    stockService,
		orderService:    orderService,
		defaultStrategy: defaultStrategy,
		logger:          logger,
	}
}

// NewRouter wires the Gin engine with the stock and order routes.
func NewRouter(h *HTTPHandler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/stock/:id", h.GetStock)
	api.POST("/stock/:id/decrease", h.Decrease)
	api.POST("/orders", h.PlaceOrder)

	return r
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) GetStock(c *gin.Context) {
	rec, err := h.stockService.Stock(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{
		Success: true,
		Message: "ok",
		Data:    stockResponse(rec),
	})
}

func (h *HTTPHandler) Decrease(c *gin.Context) {
	var req DecreaseHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, HTTPResponse{Success: false, Message: "invalid request body"})
		return
	}

	strategy, ok := h.strategy(c, req.Strategy)
	if !ok {
		return
	}

	policy, err := policyFrom(req.MaxAttempts, req.RetryDelayMs)
	if err != nil {
		c.JSON(http.StatusBadRequest, HTTPResponse{Success: false, Message: err.Error()})
		return
	}

	id := c.Param("id")
	if err := h.stockService.Decrease(c.Request.Context(), id, req.Amount, strategy, policy); err != nil {
		h.writeError(c, err)
		return
	}

	rec, err := h.stockService.Stock(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{
		Success: true,
		Message: "stock decreased",
		Data:    stockResponse(rec),
	})
}

func (h *HTTPHandler) PlaceOrder(c *gin.Context) {
	var req OrderHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, HTTPResponse{Success: false, Message: "invalid request body"})
		return
	}

	strategy, ok := h.strategy(c, req.Strategy)
	if !ok {
		return
	}

	order, err := h.orderService.PlaceOrder(c.Request.Context(), domain.OrderRequest{
		RequestID: req.RequestID,
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Strategy:  strategy,
	})
	if err != nil && order.ID == "" {
		h.writeError(c, err)
		return
	}

	if order.Status != domain.OrderStatusConfirmed {
		m := mapKind(order.FailureKind)
		if err != nil {
			m = mapError(err)
		}
		c.JSON(m.httpStatus, HTTPResponse{Success: false, Message: m.message, Data: orderResponse(order)})
		return
	}

	c.JSON(http.StatusOK, HTTPResponse{
		Success: true,
		Message: "order placed successfully",
		Data:    orderResponse(order),
	})
}

func (h *HTTPHandler) strategy(c *gin.Context, name string) (domain.Strategy, bool) {
	if name == "" {
		return h.defaultStrategy, true
	}
	s, err := domain.ParseStrategy(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, HTTPResponse{Success: false, Message: err.Error()})
		return "", false
	}
	return s, true
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	m := mapError(err)
	if m.httpStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(m.httpStatus, HTTPResponse{Success: false, Message: m.message})
}

// policyFrom builds a per-request retry policy; nil when neither field is set.
func policyFrom(maxAttempts *int, retryDelayMs *int64) (*retry.Policy, error) {
	if maxAttempts == nil && retryDelayMs == nil {
		return nil, nil
	}

	p := retry.DefaultPolicy()
	if maxAttempts != nil {
		p.MaxAttempts = *maxAttempts
	}
	if retryDelayMs != nil {
		b, err := retry.NewBackoff("fixed", time.Duration(*retryDelayMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		p.Backoff = b
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func stockResponse(rec domain.StockRecord) StockHTTPResponse {
	return StockHTTPResponse{ID: rec.ID, Quantity: rec.Quantity, Version: rec.Version}
}

func orderResponse(o domain.Order) OrderHTTPResponse {
	return OrderHTTPResponse{
		ID:            o.ID,
		RequestID:     o.RequestID,
		ItemID:        o.ItemID,
		Quantity:      o.Quantity,
		Strategy:      string(o.Strategy),
		Status:        string(o.Status),
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
