package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newKiteTestClient(handler http.HandlerFunc) (*KiteClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewKiteClient("test-key", "test-token", srv.URL)
	return client, srv
}

func TestKitePlaceOrder(t *testing.T) {
	var gotPath, gotAuth, gotVersion string
	var gotForm map[string]string

	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"240831000001"}}`))
	})
	defer srv.Close()

	orderID, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol:          "NIFTY25SEP24500PE",
		Exchange:        ExchangeNFO,
		TransactionType: TransactionSell,
		Quantity:        1800,
		OrderType:       OrderTypeLimit,
		Product:         ProductNRML,
		Variety:         VarietyRegular,
		Price:           152.5,
		Tag:             "entry-S1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID != "240831000001" {
		t.Errorf("order id = %q", orderID)
	}
	if gotPath != "/orders/regular" {
		t.Errorf("path = %q, want /orders/regular", gotPath)
	}
	if gotAuth != "token test-key:test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotVersion != "3" {
		t.Errorf("X-Kite-Version = %q", gotVersion)
	}

	want := map[string]string{
		"tradingsymbol":    "NIFTY25SEP24500PE",
		"exchange":         "NFO",
		"transaction_type": "SELL",
		"quantity":         "1800",
		"order_type":       "LIMIT",
		"product":          "NRML",
		"price":            "152.50",
		"tag":              "entry-S1",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestKitePlaceOrderOmitsPriceForMarketOrders(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Has("price") {
			t.Error("market order carried a price field")
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"1"}}`))
	})
	defer srv.Close()

	if _, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "X", Exchange: ExchangeNFO, TransactionType: TransactionBuy,
		Quantity: 75, OrderType: OrderTypeMarket, Product: ProductNRML,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
}

func TestKitePlaceOrderAPIError(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Insufficient funds","error_type":"InputException"}`))
	})
	defer srv.Close()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "X", Exchange: ExchangeNFO, TransactionType: TransactionBuy,
		Quantity: 75, OrderType: OrderTypeMarket, Product: ProductNRML,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Body != "Insufficient funds" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !IsPermanentAPIError(err) {
		t.Error("400 not classified as permanent")
	}
}

func TestKiteRateLimitIsNotPermanent(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":"error","message":"Too many requests"}`))
	})
	defer srv.Close()

	_, err := client.GetQuote(context.Background(), "NIFTY25SEP24500PE")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanentAPIError(err) {
		t.Error("429 classified as permanent; it must stay retryable")
	}
}

func TestKiteGetQuote(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("i"); got != "NFO:NIFTY25SEP24500PE" {
			t.Errorf("instrument = %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"NFO:NIFTY25SEP24500PE":{"last_price":152.35}}}`))
	})
	defer srv.Close()

	q, err := client.GetQuote(context.Background(), "NIFTY25SEP24500PE")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.LastPrice != 152.35 {
		t.Errorf("last price = %v, want 152.35", q.LastPrice)
	}
}

func TestKiteGetPositions(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portfolio/positions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"net":[
			{"tradingsymbol":"NIFTY25SEP24500PE","exchange":"NFO","product":"NRML","quantity":-1800,"average_price":150.0,"pnl":2500.0}
		]}}`))
	})
	defer srv.Close()

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if p.Symbol != "NIFTY25SEP24500PE" || p.Quantity != -1800 || p.PnL != 2500 {
		t.Errorf("position = %+v", p)
	}
}

func TestKiteCancelOrder(t *testing.T) {
	client, srv := newKiteTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/orders/regular/240831000001" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"240831000001"}}`))
	})
	defer srv.Close()

	if err := client.CancelOrder(context.Background(), "240831000001"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}
