package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const kiteDefaultBaseURL = "https://api.kite.trade"

// KiteClient is a Zerodha Kite Connect v3 REST client, limited to the
// order/position/quote surface the execution pipeline needs.
type KiteClient struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	accessToken string
}

// kiteEnvelope is the common Kite response wrapper.
type kiteEnvelope struct {
	Status    string          `json:"status"` // success | error
	Message   string          `json:"message,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewKiteClient creates a new Kite Connect client. baseURL may be empty to use
// the production endpoint; tests point it at an httptest server.
func NewKiteClient(apiKey, accessToken, baseURL string) *KiteClient {
	if baseURL == "" {
		baseURL = kiteDefaultBaseURL
	}
	return &KiteClient{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		accessToken: accessToken,
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (k *KiteClient) WithHTTPClient(client *http.Client) *KiteClient {
	if client != nil {
		k.client = client
	}
	return k
}

func (k *KiteClient) do(ctx context.Context, method, path string, form url.Values) (json.RawMessage, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+k.apiKey+":"+k.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kite request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading kite response: %w", err)
	}

	var env kiteEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
		}
		return nil, fmt.Errorf("decoding kite response: %w", err)
	}

	if resp.StatusCode >= 400 || env.Status == "error" {
		msg := env.Message
		if msg == "" {
			msg = string(raw)
		}
		return nil, &APIError{Status: resp.StatusCode, Body: msg}
	}

	return env.Data, nil
}

// PlaceOrder places an order via POST /orders/{variety} and returns the
// broker order ID.
func (k *KiteClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	variety := req.Variety
	if variety == "" {
		variety = VarietyRegular
	}

	form := url.Values{}
	form.Set("tradingsymbol", req.Symbol)
	form.Set("exchange", req.Exchange)
	form.Set("transaction_type", req.TransactionType)
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", req.OrderType)
	form.Set("product", req.Product)
	if req.OrderType == OrderTypeLimit {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', 2, 64))
	}
	if req.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', 2, 64))
	}
	if req.Tag != "" {
		form.Set("tag", req.Tag)
	}

	data, err := k.do(ctx, http.MethodPost, "/orders/"+variety, form)
	if err != nil {
		return "", err
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding order response: %w", err)
	}
	if out.OrderID == "" {
		return "", fmt.Errorf("kite returned success with empty order_id")
	}
	return out.OrderID, nil
}

// CancelOrder cancels a pending order via DELETE /orders/{variety}/{id}.
func (k *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := k.do(ctx, http.MethodDelete, "/orders/"+VarietyRegular+"/"+url.PathEscape(orderID), nil)
	return err
}

// GetPositions returns the net positions from GET /portfolio/positions.
func (k *KiteClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	data, err := k.do(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Net []PositionItem `json:"net"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding positions response: %w", err)
	}
	return out.Net, nil
}

// GetQuote fetches the last traded price for an NFO symbol via GET /quote.
func (k *KiteClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	instrument := ExchangeNFO + ":" + symbol
	data, err := k.do(ctx, http.MethodGet, "/quote?i="+url.QueryEscape(instrument), nil)
	if err != nil {
		return nil, err
	}

	var out map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding quote response: %w", err)
	}
	q, ok := out[instrument]
	if !ok {
		return nil, fmt.Errorf("no quote returned for %s", instrument)
	}
	return &Quote{Symbol: symbol, LastPrice: q.LastPrice}, nil
}
