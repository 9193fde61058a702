package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockClient is a deterministic in-memory MarketClient used in mock mode and
// in tests. Prices follow a seeded sine walk per pair so repeated calls are
// reproducible. Call counters let tests assert upstream request volume.
type MockClient struct {
	mu sync.Mutex

	basePrices map[string]float64
	balances   map[string]float64
	orders     map[string]*OrderState
	orderSeq   int

	// Injectable failures for tests
	NextErr error

	// Call counters per method
	TickerCalls  int
	CandleCalls  int
	AccountCalls int
	BalanceCalls int
	OrderCalls   int
}

// NewMockClient creates a mock with a funded USD balance.
func NewMockClient() *MockClient {
	return &MockClient{
		basePrices: map[string]float64{
			"BTC-USD": 52000,
			"ETH-USD": 2500,
		},
		balances: map[string]float64{
			"USD": 100000,
			"BTC": 1.5,
			"ETH": 20,
		},
		orders: make(map[string]*OrderState),
	}
}

// SetPrice pins the base price for a pair.
func (m *MockClient) SetPrice(pair string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.basePrices[pair] = price
}

// SetBalance pins a currency balance.
func (m *MockClient) SetBalance(currency string, available float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = available
}

func (m *MockClient) takeErr() error {
	err := m.NextErr
	m.NextErr = nil
	return err
}

func (m *MockClient) priceAt(pair string, ts int64) float64 {
	base, ok := m.basePrices[pair]
	if !ok {
		base = 100
	}
	// Small deterministic oscillation around the base
	return base * (1 + 0.01*math.Sin(float64(ts)/600))
}

func (m *MockClient) GetTicker(ctx context.Context, pair string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TickerCalls++
	if err := m.takeErr(); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	return &Ticker{
		Pair:      pair,
		Price:     m.priceAt(pair, now),
		Volume24h: 1_000_000,
		Timestamp: now,
	}, nil
}

func (m *MockClient) GetCandles(ctx context.Context, pair string, granularitySec, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleCalls++
	if err := m.takeErr(); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	now -= now % int64(granularitySec)

	candles := make([]Candle, limit)
	for i := 0; i < limit; i++ {
		ts := now - int64((limit-1-i)*granularitySec)
		close := m.priceAt(pair, ts)
		open := m.priceAt(pair, ts-int64(granularitySec))
		candles[i] = Candle{
			Open:      open,
			High:      math.Max(open, close) * 1.002,
			Low:       math.Min(open, close) * 0.998,
			Close:     close,
			Volume:    500,
			Timestamp: ts,
		}
	}
	return candles, nil
}

func (m *MockClient) GetAccounts(ctx context.Context) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AccountCalls++
	if err := m.takeErr(); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(m.balances))
	for currency, available := range m.balances {
		accounts = append(accounts, Account{Currency: currency, Available: available})
	}
	return accounts, nil
}

func (m *MockClient) GetBalance(ctx context.Context, currency string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BalanceCalls++
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	return &Balance{Currency: currency, Available: m.balances[currency]}, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, pair, side string, sizeQuote float64, clientOrderID string) (*OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrderCalls++
	if err := m.takeErr(); err != nil {
		return nil, err
	}

	m.orderSeq++
	id := fmt.Sprintf("mock-order-%d", m.orderSeq)
	price := m.priceAt(pair, time.Now().Unix())

	// Fills immediately at the mock price with a 0.1% fee
	m.orders[id] = &OrderState{
		ExchangeOrderID: id,
		Status:          OrderStatusFilled,
		FilledSize:      sizeQuote / price,
		AvgPrice:        price,
		Fee:             sizeQuote * 0.001,
	}
	return &OrderAck{ExchangeOrderID: id, Status: OrderStatusPending}, nil
}

func (m *MockClient) GetOrder(ctx context.Context, exchangeOrderID string) (*OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}

	state, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, &APIError{Kind: KindFatal, Message: "order not found: " + exchangeOrderID}
	}
	return state, nil
}
