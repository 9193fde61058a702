package exchange

// Ticker is the latest price view for a pair
type Ticker struct {
	Pair      string  `json:"pair"`
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume_24h"`
	Timestamp int64   `json:"ts"`
}

// Candle represents one OHLCV bar. Series are sorted ascending by Timestamp.
type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"ts"`
}

// Account is one currency account on the exchange
type Account struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Hold      float64 `json:"hold"`
}

// Balance is the available/hold view for a single currency
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Hold      float64 `json:"hold"`
}

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Exchange order statuses
const (
	OrderStatusPending = "pending"
	OrderStatusFilled  = "filled"
	OrderStatusFailed  = "failed"
)

// OrderAck is the immediate response to order submission
type OrderAck struct {
	ExchangeOrderID string `json:"exchange_order_id"`
	Status          string `json:"status"`
}

// OrderState is the fill state of a previously submitted order
type OrderState struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	Status          string  `json:"status"`
	FilledSize      float64 `json:"filled_size"`
	AvgPrice        float64 `json:"avg_price"`
	Fee             float64 `json:"fee"`
}
