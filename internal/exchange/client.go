package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the REST implementation of MarketClient.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client for the upstream exchange.
func NewClient(apiKey, apiSecret, baseURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	var ticker Ticker
	path := fmt.Sprintf("/api/v1/products/%s/ticker", url.PathEscape(pair))
	if err := c.get(ctx, path, nil, &ticker); err != nil {
		return nil, err
	}
	ticker.Pair = pair
	return &ticker, nil
}

func (c *Client) GetCandles(ctx context.Context, pair string, granularitySec, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("granularity", strconv.Itoa(granularitySec))
	params.Set("limit", strconv.Itoa(limit))

	var candles []Candle
	path := fmt.Sprintf("/api/v1/products/%s/candles", url.PathEscape(pair))
	if err := c.get(ctx, path, params, &candles); err != nil {
		return nil, err
	}

	// Upstream returns newest-first; evaluators expect ascending ts
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.get(ctx, "/api/v1/accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *Client) GetBalance(ctx context.Context, currency string) (*Balance, error) {
	var balance Balance
	path := fmt.Sprintf("/api/v1/accounts/%s", url.PathEscape(currency))
	if err := c.get(ctx, path, nil, &balance); err != nil {
		return nil, err
	}
	balance.Currency = currency
	return &balance, nil
}

func (c *Client) PlaceOrder(ctx context.Context, pair, side string, sizeQuote float64, clientOrderID string) (*OrderAck, error) {
	payload := map[string]interface{}{
		"pair":            pair,
		"side":            side,
		"size_quote":      sizeQuote,
		"client_order_id": clientOrderID,
		"type":            "market",
	}

	var ack OrderAck
	if err := c.post(ctx, "/api/v1/orders", payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) GetOrder(ctx context.Context, exchangeOrderID string) (*OrderState, error) {
	var state OrderState
	path := fmt.Sprintf("/api/v1/orders/%s", url.PathEscape(exchangeOrderID))
	if err := c.get(ctx, path, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &APIError{Kind: KindFatal, Message: err.Error()}
	}
	c.signRequest(req, nil)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &APIError{Kind: KindFatal, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &APIError{Kind: KindFatal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, body)
	return c.do(req, out)
}

// signRequest adds HMAC-SHA256 authentication headers.
func (c *Client) signRequest(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	message := ts + req.Method + req.URL.RequestURI() + string(body)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))

	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-TIMESTAMP", ts)
	req.Header.Set("X-API-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Context cancellation surfaces as-is so deadline handling works upstream
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Kind:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &APIError{Kind: KindFatal, Message: fmt.Sprintf("parsing response: %v", err)}
		}
	}
	return nil
}
