package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/multierr"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// StockHTTPClient calls the stock routes served by NewRouter.
type StockHTTPClient struct {
	httpClient *resty.Client
}

func NewStockHTTPClient(baseURL string, timeout time.Duration) *StockHTTPClient {
	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &StockHTTPClient{httpClient: restyClient}
}

type stockHTTPEnvelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    StockHTTPResponse `json:"data"`
}

func (c *StockHTTPClient) GetStock(ctx context.Context, id string) (StockHTTPResponse, error) {
	result := new(stockHTTPEnvelope)
	apiErr := new(HTTPResponse)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(result).
		SetError(apiErr).
		SetPathParam("id", id).
		Get("/api/stock/{id}")
	if err != nil {
		return StockHTTPResponse{}, fmt.Errorf("get stock: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return StockHTTPResponse{}, domainErrorFromHTTP(resp.StatusCode(), apiErr.Message)
	}
	return result.Data, nil
}

func (c *StockHTTPClient) Decrease(ctx context.Context, id string, req DecreaseHTTPRequest) (StockHTTPResponse, error) {
	result := new(stockHTTPEnvelope)
	apiErr := new(HTTPResponse)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(result).
		SetError(apiErr).
		SetPathParam("id", id).
		Post("/api/stock/{id}/decrease")
	if err != nil {
		return StockHTTPResponse{}, fmt.Errorf("decrease stock: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return StockHTTPResponse{}, domainErrorFromHTTP(resp.StatusCode(), apiErr.Message)
	}
	return result.Data, nil
}

// domainErrorFromHTTP reverses the status mapping of the router. 409 is
// shared by conflicts and duplicates, so the message decides.
func domainErrorFromHTTP(code int, message string) error {
	apiErr := fmt.Errorf("stock api error: code=%d, message=%s", code, message)

	var target error
	switch code {
	case http.StatusNotFound:
		target = domain.ErrRecordNotFound
	case http.StatusGone:
		target = domain.ErrInsufficientStock
	case http.StatusConflict:
		target = domain.ErrConcurrencyConflict
		if message == mapKind(domain.KindDuplicateRequest).message {
			target = domain.ErrDuplicateRequest
		}
	case http.StatusNotImplemented:
		target = domain.ErrStrategyUnsupported
	case http.StatusServiceUnavailable:
		target = domain.ErrCancelled
	case http.StatusBadRequest:
		target = domain.ErrInvalidAmount
	case http.StatusInternalServerError:
		if message == mapKind(domain.KindUnexpectedRollback).message {
			target = domain.ErrUnexpectedRollback
		}
	}
	if target == nil {
		return apiErr
	}
	return multierr.Append(target, apiErr)
}
