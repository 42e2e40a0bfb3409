package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/txn"
)

func newTestRouter(t *testing.T, quantity int64, propagation txn.Propagation) (http.Handler, *testServices) {
	t.Helper()

	svcs := newTestServices(t, quantity, propagation)
	h := NewHTTPHandler(svcs.stock, svcs.orders, domain.StrategyExclusive, nil)
	return NewRouter(h, nil), svcs
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) (*httptest.ResponseRecorder, HTTPResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp HTTPResponse
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, resp
}

func TestHTTP_HealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, 1, txn.JoinOrCreate)

	rec, _ := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHTTP_GetStock(t *testing.T) {
	router, _ := newTestRouter(t, 7, txn.JoinOrCreate)

	rec, resp := doJSON(t, router, http.MethodGet, "/api/stock/"+testItem, nil)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200 success, got %d %+v", rec.Code, resp)
	}

	data := resp.Data.(map[string]any)
	if data["quantity"].(float64) != 7 {
		t.Errorf("expected quantity 7, got %v", data["quantity"])
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/api/stock/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHTTP_Decrease(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantLeft   int64
	}{
		{"exclusive", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 3, Strategy: "exclusive"}, http.StatusOK, 7},
		{"optimistic", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 3, Strategy: "optimistic"}, http.StatusOK, 7},
		{"serialized", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 3, Strategy: "serialized"}, http.StatusOK, 7},
		{"default strategy", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 10}, http.StatusOK, 0},
		{"sold out", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 11}, http.StatusGone, 10},
		{"zero amount", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 0}, http.StatusBadRequest, 10},
		{"unknown strategy", "/api/stock/" + testItem + "/decrease", DecreaseHTTPRequest{Amount: 1, Strategy: "bogus"}, http.StatusBadRequest, 10},
		{"bad retry policy", "/api/stock/" + testItem + "/decrease", map[string]any{"amount": 1, "max_attempts": 0}, http.StatusBadRequest, 10},
		{"negative retry delay", "/api/stock/" + testItem + "/decrease", map[string]any{"amount": 1, "retry_delay_ms": -5}, http.StatusBadRequest, 10},
		{"missing item", "/api/stock/missing/decrease", DecreaseHTTPRequest{Amount: 1}, http.StatusNotFound, 10},
		{"malformed body", "/api/stock/" + testItem + "/decrease", "not an object", http.StatusBadRequest, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, svcs := newTestRouter(t, 10, txn.JoinOrCreate)

			rec, _ := doJSON(t, router, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if got := svcs.quantity(t); got != tt.wantLeft {
				t.Errorf("expected %d left, got %d", tt.wantLeft, got)
			}
		})
	}
}

func TestHTTP_PlaceOrder(t *testing.T) {
	router, svcs := newTestRouter(t, 5, txn.JoinOrCreate)

	body := OrderHTTPRequest{RequestID: "req-1", ItemID: testItem, Quantity: 2, Strategy: "optimistic"}
	rec, resp := doJSON(t, router, http.MethodPost, "/api/orders", body)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected 200 success, got %d %+v", rec.Code, resp)
	}
	data := resp.Data.(map[string]any)
	if data["status"] != string(domain.OrderStatusConfirmed) {
		t.Errorf("expected confirmed order, got %v", data["status"])
	}
	if svcs.quantity(t) != 3 {
		t.Errorf("expected 3 left, got %d", svcs.quantity(t))
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/orders", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate request, got %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPost, "/api/orders", OrderHTTPRequest{ItemID: testItem, Quantity: 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing request id, got %d", rec.Code)
	}
}

func TestHTTP_PlaceOrderFailureStatus(t *testing.T) {
	tests := []struct {
		name        string
		propagation txn.Propagation
		wantStatus  int
	}{
		// the joined failure dooms the outer boundary
		{"join or create", txn.JoinOrCreate, http.StatusInternalServerError},
		{"always new", txn.AlwaysNew, http.StatusGone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, 0, tt.propagation)

			body := OrderHTTPRequest{RequestID: "req-" + tt.name, ItemID: testItem, Quantity: 1, Strategy: "exclusive"}
			rec, resp := doJSON(t, router, http.MethodPost, "/api/orders", body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if resp.Success {
				t.Error("expected unsuccessful response")
			}
			data := resp.Data.(map[string]any)
			if data["status"] != string(domain.OrderStatusFailed) {
				t.Errorf("expected failed order, got %v", data["status"])
			}
		})
	}
}
