package trade

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/exchange"
	"botfleet/internal/gate"
	"botfleet/internal/signals"
)

// memStore is an in-memory Store mirroring the repository's fill semantics.
type memStore struct {
	seq      int64
	trades   map[int64]*database.Trade
	tranches []*database.Tranche
	statuses map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		trades:   make(map[int64]*database.Trade),
		statuses: make(map[int64]string),
	}
}

func (m *memStore) CreateTrade(ctx context.Context, trade *database.Trade) error {
	m.seq++
	trade.ID = m.seq
	trade.Status = database.TradePending
	trade.CreatedAt = time.Now()
	m.trades[trade.ID] = trade
	return nil
}

func (m *memStore) MarkTradeFailed(ctx context.Context, tradeID int64, exchangeOrderID *string) error {
	m.trades[tradeID].Status = database.TradeFailed
	return nil
}

func (m *memStore) RecordBuyFill(ctx context.Context, trade *database.Trade, positionStatus string) (*database.Tranche, error) {
	trade.Status = database.TradeFilled
	m.seq++
	tranche := &database.Tranche{
		ID:           m.seq,
		BotID:        trade.BotID,
		EntryTradeID: trade.ID,
		SizeUSD:      trade.SizeUSD,
		EntryPrice:   trade.Price,
		EntryTS:      *trade.FilledAt,
		Status:       database.TrancheOpen,
	}
	m.tranches = append(m.tranches, tranche)
	return tranche, nil
}

func (m *memStore) RecordSellFill(ctx context.Context, trade *database.Trade, trancheIDs []int64, positionStatus string) error {
	trade.Status = database.TradeFilled
	for _, id := range trancheIDs {
		for _, t := range m.tranches {
			if t.ID == id {
				t.Status = database.TrancheClosed
				t.ExitTradeID = &trade.ID
				t.ClosedTS = trade.FilledAt
			}
		}
	}
	return nil
}

func (m *memStore) OpenTranches(ctx context.Context, botID int64) ([]*database.Tranche, error) {
	var open []*database.Tranche
	for _, t := range m.tranches {
		if t.BotID == botID && t.Status == database.TrancheOpen {
			open = append(open, t)
		}
	}
	return open, nil
}

func (m *memStore) SetBotStatus(ctx context.Context, botID int64, status string) error {
	m.statuses[botID] = status
	return nil
}

func (m *memStore) addTranche(botID int64, sizeUSD, entryPrice float64, entryTS time.Time) *database.Tranche {
	m.seq++
	t := &database.Tranche{
		ID:         m.seq,
		BotID:      botID,
		SizeUSD:    sizeUSD,
		EntryPrice: entryPrice,
		EntryTS:    entryTS,
		Status:     database.TrancheOpen,
	}
	m.tranches = append(m.tranches, t)
	return t
}

func tradeTestBot() *database.Bot {
	return &database.Bot{
		ID:              3,
		Name:            "btc-swing",
		Pair:            "BTC-USD",
		Status:          database.BotStatusRunning,
		PositionSizeUSD: 100,
		MaxPositions:    4,
		PositionStatus:  database.PositionClosed,
		SignalConfig:    signals.DefaultConfig(),
	}
}

func newTestService(store *memStore, client exchange.MarketClient, opts Options) *Service {
	svc := NewService(store, client, gate.New(6000, 20), opts, zerolog.Nop())
	svc.pollInterval = time.Millisecond
	return svc
}

// ============================================================================
// TEST: A filled buy opens exactly one tranche of the traded size
// ============================================================================

func TestBuyOpensTrancheOfExactSize(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, exchange.NewMockClient(), Options{MinTrancheUSD: 10})
	bot := tradeTestBot()

	trade, err := svc.ExecuteBuy(context.Background(), bot, -0.4, evaluator.TempHot)
	if err != nil {
		t.Fatal(err)
	}

	open, _ := store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 1 {
		t.Fatalf("expected 1 open tranche, got %d", len(open))
	}
	if open[0].SizeUSD != trade.SizeUSD {
		t.Errorf("tranche size %.2f != trade size %.2f", open[0].SizeUSD, trade.SizeUSD)
	}
	if open[0].EntryPrice != trade.Price {
		t.Errorf("tranche entry %.2f != fill price %.2f", open[0].EntryPrice, trade.Price)
	}
	if trade.Status != database.TradeFilled {
		t.Errorf("trade status %s, want filled", trade.Status)
	}
	if bot.PositionStatus != database.PositionBuilding {
		t.Errorf("position status %s, want building", bot.PositionStatus)
	}
}

// ============================================================================
// TEST: Average entry is the size-weighted harmonic mean
// ============================================================================

func TestAverageEntryIsHarmonicMean(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.addTranche(3, 100, 50000, now.Add(-2*time.Hour))
	store.addTranche(3, 100, 40000, now.Add(-1*time.Hour))

	open, _ := store.OpenTranches(context.Background(), 3)
	avg := AverageEntryPrice(open)

	// 200 / (100/50000 + 100/40000)
	want := 200.0 / (100.0/50000 + 100.0/40000)
	if math.Abs(avg-want) > 1e-6 {
		t.Errorf("average entry %.4f, want %.4f", avg, want)
	}
}

// ============================================================================
// TEST: A sell closes the oldest tranche first (fifo)
// ============================================================================

func TestSellClosesOldestTrancheFIFO(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	oldest := store.addTranche(3, 100, 48000, now.Add(-4*time.Hour))
	store.addTranche(3, 100, 46000, now.Add(-3*time.Hour))
	store.addTranche(3, 100, 50000, now.Add(-2*time.Hour))
	store.addTranche(3, 100, 52000, now.Add(-1*time.Hour))

	svc := newTestService(store, exchange.NewMockClient(), Options{CloseOrder: CloseFIFO})
	bot := tradeTestBot()
	bot.PositionStatus = database.PositionOpen

	trade, err := svc.ExecuteSell(context.Background(), bot, 0.5, false)
	if err != nil {
		t.Fatal(err)
	}

	if oldest.Status != database.TrancheClosed {
		t.Error("oldest tranche should have closed")
	}
	open, _ := store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 3 {
		t.Fatalf("expected 3 tranches to remain, got %d", len(open))
	}

	wantPnL := (trade.Price - oldest.EntryPrice) * oldest.BaseSize()
	if trade.RealizedPnL == nil || math.Abs(*trade.RealizedPnL-wantPnL) > 1e-6 {
		t.Errorf("realized pnl %v, want %.6f", trade.RealizedPnL, wantPnL)
	}
	if bot.PositionStatus != database.PositionOpen {
		t.Errorf("partial exit should leave position open, got %s", bot.PositionStatus)
	}
}

func TestSellClosesLowestEntryWhenConfigured(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.addTranche(3, 100, 48000, now.Add(-4*time.Hour))
	cheapest := store.addTranche(3, 100, 42000, now.Add(-3*time.Hour))
	store.addTranche(3, 100, 50000, now.Add(-2*time.Hour))

	svc := newTestService(store, exchange.NewMockClient(), Options{CloseOrder: CloseLowestEntry})
	bot := tradeTestBot()
	bot.PositionStatus = database.PositionOpen

	if _, err := svc.ExecuteSell(context.Background(), bot, 0.5, false); err != nil {
		t.Fatal(err)
	}
	if cheapest.Status != database.TrancheClosed {
		t.Error("lowest-entry tranche should have closed")
	}
}

// ============================================================================
// TEST: A failed order never mutates tranches
// ============================================================================

func TestFailedOrderLeavesTranchesUntouched(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.addTranche(3, 100, 48000, now.Add(-1*time.Hour))

	client := exchange.NewMockClient()
	client.NextErr = &exchange.APIError{Kind: exchange.KindFatal, Message: "insufficient funds"}

	svc := newTestService(store, client, Options{})
	bot := tradeTestBot()
	bot.PositionStatus = database.PositionOpen

	_, err := svc.ExecuteSell(context.Background(), bot, 0.5, false)
	if err == nil {
		t.Fatal("expected the sell to fail")
	}

	open, _ := store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 1 {
		t.Errorf("tranches mutated on failure: %d open", len(open))
	}
	// The pending trade must be marked failed.
	var failed int
	for _, trade := range store.trades {
		if trade.Status == database.TradeFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed trade, got %d", failed)
	}
}

// ============================================================================
// TEST: Emergency stop liquidates everything and stops the bot
// ============================================================================

func TestEmergencyStopReachesClosedWithNoTranches(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	store.addTranche(3, 100, 48000, now.Add(-2*time.Hour))
	store.addTranche(3, 100, 46000, now.Add(-1*time.Hour))
	store.addTranche(3, 100, 50000, now.Add(-30*time.Minute))

	svc := newTestService(store, exchange.NewMockClient(), Options{})
	bot := tradeTestBot()
	bot.PositionStatus = database.PositionBuilding

	if err := svc.EmergencyStop(context.Background(), bot); err != nil {
		t.Fatal(err)
	}

	open, _ := store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 0 {
		t.Errorf("expected zero open tranches, got %d", len(open))
	}
	if bot.PositionStatus != database.PositionClosed {
		t.Errorf("position status %s, want closed", bot.PositionStatus)
	}
	if store.statuses[bot.ID] != database.BotStatusStopped {
		t.Error("bot should be stopped after emergency stop")
	}
}

func TestEmergencyStopWithNoPositionJustStops(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, exchange.NewMockClient(), Options{})
	bot := tradeTestBot()

	if err := svc.EmergencyStop(context.Background(), bot); err != nil {
		t.Fatal(err)
	}
	if bot.PositionStatus != database.PositionClosed {
		t.Errorf("position status %s, want closed", bot.PositionStatus)
	}
}

// ============================================================================
// TEST: Temperature sizing
// ============================================================================

func TestTemperatureSizing(t *testing.T) {
	svc := newTestService(newMemStore(), exchange.NewMockClient(), Options{
		MinTrancheUSD:     10,
		TemperatureSizing: true,
	})
	bot := tradeTestBot()

	cases := []struct {
		temperature string
		want        float64
	}{
		{evaluator.TempHot, 100},
		{evaluator.TempWarm, 75},
		{evaluator.TempCool, 50},
	}
	for _, tc := range cases {
		if got := svc.SizeFor(bot, tc.temperature); got != tc.want {
			t.Errorf("SizeFor(%s) = %.2f, want %.2f", tc.temperature, got, tc.want)
		}
	}

	// The floor clamps undersized tranches.
	bot.PositionSizeUSD = 8
	if got := svc.SizeFor(bot, evaluator.TempHot); got != 10 {
		t.Errorf("expected floor of 10, got %.2f", got)
	}
}

// ============================================================================
// TEST: Unrealized P&L marks to the current price
// ============================================================================

func TestUnrealizedPnL(t *testing.T) {
	tranches := []*database.Tranche{
		{SizeUSD: 100, EntryPrice: 50000},
		{SizeUSD: 100, EntryPrice: 40000},
	}
	// base = 100/50000 + 100/40000 = 0.0045; at 45000: 202.5 - 200
	got := UnrealizedPnL(tranches, 45000)
	if math.Abs(got-2.5) > 1e-9 {
		t.Errorf("unrealized pnl %.6f, want 2.5", got)
	}
}
