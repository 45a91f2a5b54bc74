package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const breezeDefaultBaseURL = "https://api.icicidirect.com/breezeapi/api/v1"

// BreezeClient is an ICICI Direct Breeze REST client covering the order,
// position and quote endpoints. Breeze authenticates every request with a
// SHA-256 checksum over timestamp + body + secret.
type BreezeClient struct {
	client       *http.Client
	baseURL      string
	appKey       string
	secretKey    string
	sessionToken string
	now          func() time.Time
}

// NewBreezeClient creates a new Breeze client. baseURL may be empty to use
// the production endpoint.
func NewBreezeClient(appKey, secretKey, sessionToken, baseURL string) *BreezeClient {
	if baseURL == "" {
		baseURL = breezeDefaultBaseURL
	}
	return &BreezeClient{
		client:       &http.Client{Timeout: 10 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		appKey:       appKey,
		secretKey:    secretKey,
		sessionToken: sessionToken,
		now:          time.Now,
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func (b *BreezeClient) WithHTTPClient(client *http.Client) *BreezeClient {
	if client != nil {
		b.client = client
	}
	return b
}

// breezeResponse is the common Breeze envelope.
type breezeResponse struct {
	Success json.RawMessage `json:"Success"`
	Status  int             `json:"Status"`
	Error   string          `json:"Error"`
}

func (b *BreezeClient) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding breeze payload: %w", err)
		}
	}

	timestamp := b.now().UTC().Format("2006-01-02T15:04:05") + ".000Z"
	sum := sha256.Sum256([]byte(timestamp + string(body) + b.secretKey))

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Checksum", "token "+hex.EncodeToString(sum[:]))
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-AppKey", b.appKey)
	req.Header.Set("X-SessionToken", b.sessionToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("breeze request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading breeze response: %w", err)
	}

	var env breezeResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
		}
		return nil, fmt.Errorf("decoding breeze response: %w", err)
	}

	if resp.StatusCode >= 400 || env.Error != "" {
		msg := env.Error
		if msg == "" {
			msg = string(raw)
		}
		status := resp.StatusCode
		if status < 400 && env.Status >= 400 {
			status = env.Status
		}
		return nil, &APIError{Status: status, Body: msg}
	}

	return env.Success, nil
}

// breezeOrder is the wire shape for POST /order.
type breezeOrder struct {
	StockCode    string `json:"stock_code"`
	ExchangeCode string `json:"exchange_code"`
	Product      string `json:"product"`
	Action       string `json:"action"` // buy | sell
	OrderType    string `json:"order_type"`
	Quantity     string `json:"quantity"`
	Price        string `json:"price,omitempty"`
	Validity     string `json:"validity"`
	UserRemark   string `json:"user_remark,omitempty"`
}

// PlaceOrder places an order and returns the broker order ID.
func (b *BreezeClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	order := breezeOrder{
		StockCode:    req.Symbol,
		ExchangeCode: req.Exchange,
		Product:      "options",
		Action:       strings.ToLower(req.TransactionType),
		OrderType:    strings.ToLower(req.OrderType),
		Quantity:     fmt.Sprintf("%d", req.Quantity),
		Validity:     "day",
		UserRemark:   req.Tag,
	}
	if req.OrderType == OrderTypeLimit {
		order.Price = fmt.Sprintf("%.2f", req.Price)
	}

	data, err := b.do(ctx, http.MethodPost, "/order", order)
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
		return "", fmt.Errorf("breeze returned success with empty order_id")
	}
	return out.OrderID, nil
}

// CancelOrder cancels a pending order.
func (b *BreezeClient) CancelOrder(ctx context.Context, orderID string) error {
	payload := map[string]string{
		"order_id":      orderID,
		"exchange_code": ExchangeNFO,
	}
	_, err := b.do(ctx, http.MethodDelete, "/order", payload)
	return err
}

// GetPositions returns the open portfolio positions.
func (b *BreezeClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	data, err := b.do(ctx, http.MethodGet, "/portfoliopositions", nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		StockCode    string  `json:"stock_code"`
		ExchangeCode string  `json:"exchange_code"`
		Quantity     int     `json:"quantity,string"`
		AveragePrice float64 `json:"average_price,string"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding positions response: %w", err)
	}

	items := make([]PositionItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, PositionItem{
			Symbol:       r.StockCode,
			Exchange:     r.ExchangeCode,
			Product:      ProductNRML,
			Quantity:     r.Quantity,
			AveragePrice: r.AveragePrice,
		})
	}
	return items, nil
}

// GetQuote fetches the last traded price for a symbol.
func (b *BreezeClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	payload := map[string]string{
		"stock_code":    symbol,
		"exchange_code": ExchangeNFO,
	}
	data, err := b.do(ctx, http.MethodGet, "/quotes", payload)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		LTP float64 `json:"ltp"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding quote response: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &Quote{Symbol: symbol, LastPrice: rows[0].LTP}, nil
}
