package exchange

import "context"

// MarketClient is the black-box upstream transport. The Coordinator is the
// only component allowed to call market-data methods; the trade service
// calls PlaceOrder/GetOrder through the rate gate at trading priority.
// Failed calls return *APIError so callers can classify the outcome.
type MarketClient interface {
	GetTicker(ctx context.Context, pair string) (*Ticker, error)
	GetCandles(ctx context.Context, pair string, granularitySec, limit int) ([]Candle, error)
	GetAccounts(ctx context.Context) ([]Account, error)
	GetBalance(ctx context.Context, currency string) (*Balance, error)
	PlaceOrder(ctx context.Context, pair, side string, sizeQuote float64, clientOrderID string) (*OrderAck, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*OrderState, error)
}
