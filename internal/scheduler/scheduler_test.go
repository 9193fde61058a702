package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/exchange"
	"botfleet/internal/gate"
	"botfleet/internal/marketdata"
	"botfleet/internal/safety"
	"botfleet/internal/signals"
	"botfleet/internal/trade"
)

// fleetStore is an in-memory Store shared by the scheduler and the trade
// service in tests.
type fleetStore struct {
	mu        sync.Mutex
	seq       int64
	bots      []*database.Bot
	tranches  []*database.Tranche
	trades    map[int64]*database.Trade
	decisions []*database.Decision

	liveUpdates int
}

func newFleetStore() *fleetStore {
	return &fleetStore{trades: make(map[int64]*database.Trade)}
}

func (f *fleetStore) ListRunningBots(ctx context.Context) ([]*database.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var running []*database.Bot
	for _, b := range f.bots {
		if b.Status == database.BotStatusRunning {
			running = append(running, b)
		}
	}
	return running, nil
}

func (f *fleetStore) UpdateBotLiveFields(ctx context.Context, bot *database.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveUpdates++
	return nil
}

func (f *fleetStore) SetBotStatus(ctx context.Context, botID int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.ID == botID {
			b.Status = status
		}
	}
	return nil
}

func (f *fleetStore) InsertDecision(ctx context.Context, d *database.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	d.ID = f.seq
	d.CreatedAt = time.Now()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fleetStore) PruneDecisions(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*database.Decision
	var pruned int64
	for _, d := range f.decisions {
		if d.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, d)
	}
	f.decisions = kept
	return pruned, nil
}

func (f *fleetStore) OpenTranches(ctx context.Context, botID int64) ([]*database.Tranche, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []*database.Tranche
	for _, t := range f.tranches {
		if t.BotID == botID && t.Status == database.TrancheOpen {
			open = append(open, t)
		}
	}
	return open, nil
}

func (f *fleetStore) LastFilledTrade(ctx context.Context, botID int64) (*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *database.Trade
	for _, t := range f.trades {
		if t.BotID != botID || t.Status != database.TradeFilled || t.FilledAt == nil {
			continue
		}
		if last == nil || t.FilledAt.After(*last.FilledAt) {
			last = t
		}
	}
	if last == nil {
		return nil, database.ErrNotFound
	}
	return last, nil
}

func (f *fleetStore) FleetDailyStats(ctx context.Context, since time.Time) (*database.DailyStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &database.DailyStats{}
	for _, t := range f.trades {
		if t.Status == database.TradeFilled && t.FilledAt != nil && !t.FilledAt.Before(since) {
			stats.Trades++
			if t.RealizedPnL != nil {
				stats.RealizedPnL += *t.RealizedPnL
			}
		}
	}
	return stats, nil
}

func (f *fleetStore) CountBotsWithOpenPositions(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holders := make(map[int64]bool)
	for _, t := range f.tranches {
		if t.Status == database.TrancheOpen {
			holders[t.BotID] = true
		}
	}
	return len(holders), nil
}

// trade.Store methods

func (f *fleetStore) CreateTrade(ctx context.Context, t *database.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t.ID = f.seq
	t.Status = database.TradePending
	t.CreatedAt = time.Now()
	f.trades[t.ID] = t
	return nil
}

func (f *fleetStore) MarkTradeFailed(ctx context.Context, tradeID int64, exchangeOrderID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades[tradeID].Status = database.TradeFailed
	return nil
}

func (f *fleetStore) RecordBuyFill(ctx context.Context, t *database.Trade, positionStatus string) (*database.Tranche, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Status = database.TradeFilled
	f.seq++
	tranche := &database.Tranche{
		ID:           f.seq,
		BotID:        t.BotID,
		EntryTradeID: t.ID,
		SizeUSD:      t.SizeUSD,
		EntryPrice:   t.Price,
		EntryTS:      *t.FilledAt,
		Status:       database.TrancheOpen,
	}
	f.tranches = append(f.tranches, tranche)
	return tranche, nil
}

func (f *fleetStore) RecordSellFill(ctx context.Context, t *database.Trade, trancheIDs []int64, positionStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Status = database.TradeFilled
	for _, id := range trancheIDs {
		for _, tranche := range f.tranches {
			if tranche.ID == id {
				tranche.Status = database.TrancheClosed
				tranche.ExitTradeID = &t.ID
				tranche.ClosedTS = t.FilledAt
			}
		}
	}
	return nil
}

func (f *fleetStore) addBot(id int64, pair string) *database.Bot {
	bot := &database.Bot{
		ID:              id,
		Name:            "bot",
		Pair:            pair,
		Status:          database.BotStatusRunning,
		PositionSizeUSD: 100,
		MaxPositions:    4,
		StopLossPct:     5,
		TakeProfitPct:   10,
		CooldownMinutes: 15,
		TradeStepPct:    0.5,
		PositionStatus:  database.PositionClosed,
		Temperature:     evaluator.TempFrozen,
		SignalConfig:    signals.DefaultConfig(),
	}
	f.bots = append(f.bots, bot)
	return bot
}

func (f *fleetStore) addTranche(botID int64, sizeUSD, entryPrice float64) *database.Tranche {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &database.Tranche{
		ID:         f.seq,
		BotID:      botID,
		SizeUSD:    sizeUSD,
		EntryPrice: entryPrice,
		EntryTS:    time.Now().Add(-time.Hour),
		Status:     database.TrancheOpen,
	}
	f.tranches = append(f.tranches, t)
	return t
}

func testTTLs() marketdata.TTLConfig {
	return marketdata.TTLConfig{
		Ticker:   5 * time.Second,
		Candles:  60 * time.Second,
		Accounts: 30 * time.Second,
		Balance:  30 * time.Second,
	}
}

type fixture struct {
	store  *fleetStore
	client *exchange.MockClient
	sched  *Scheduler
}

func newFixture(rg *gate.RateGate, cfg Config) *fixture {
	return newFixtureWithOptions(rg, cfg, trade.Options{MinTrancheUSD: 10})
}

func newFixtureWithOptions(rg *gate.RateGate, cfg Config, opts trade.Options) *fixture {
	store := newFleetStore()
	client := exchange.NewMockClient()
	coord := marketdata.NewCoordinator(client, marketdata.NewCache(), rg, nil, testTTLs(), zerolog.Nop())
	eval := evaluator.New(zerolog.Nop())
	sg := safety.New(safety.Limits{
		MaxActivePositions: 10,
		MaxDailyTrades:     50,
		MaxDailyLossUSD:    500,
		MinTemperature:     evaluator.TempWarm,
	})
	svc := trade.NewService(store, client, rg, opts, zerolog.Nop())
	sched := New(store, coord, eval, sg, svc, cfg, zerolog.Nop())
	return &fixture{store: store, client: client, sched: sched}
}

// ============================================================================
// TEST: One tick, ten bots, one pair -> one upstream fetch per key
// ============================================================================

func TestSharedPairFetchesOncePerTick(t *testing.T) {
	fx := newFixture(gate.New(6000, 20), Config{
		FastTick:    2 * time.Second,
		SlowTick:    time.Minute,
		Parallelism: 4,
	})
	for i := int64(1); i <= 10; i++ {
		fx.store.addBot(i, "BTC-USD")
	}

	fx.sched.FastTick(context.Background())

	if fx.client.TickerCalls != 1 {
		t.Errorf("ticker fetched %d times, want 1", fx.client.TickerCalls)
	}
	if fx.client.CandleCalls != 1 {
		t.Errorf("candles fetched %d times, want 1", fx.client.CandleCalls)
	}
	if len(fx.store.decisions) != 10 {
		t.Errorf("expected 10 decisions, got %d", len(fx.store.decisions))
	}
}

// ============================================================================
// TEST: Deadline elapsing mid-tick holds every bot with stale_data
// ============================================================================

func TestDeadlineProducesStaleHolds(t *testing.T) {
	// One token and a glacial refill: the first fetch drains the gate and
	// every further acquire waits past the tick deadline.
	rg := gate.New(1, 1)
	if err := rg.Acquire(context.Background(), gate.PriorityBackground); err != nil {
		t.Fatal(err)
	}

	fx := newFixture(rg, Config{
		FastTick:    50 * time.Millisecond,
		SlowTick:    time.Minute,
		Parallelism: 2,
	})
	botA := fx.store.addBot(1, "BTC-USD")
	fx.store.addBot(2, "ETH-USD")
	botA.CurrentScore = -0.2
	botA.Temperature = evaluator.TempWarm

	fx.sched.FastTick(context.Background())

	if len(fx.store.decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(fx.store.decisions))
	}
	for _, d := range fx.store.decisions {
		if d.Action != evaluator.ActionHold {
			t.Errorf("bot %d: action %s, want hold", d.BotID, d.Action)
		}
		if d.Reason != evaluator.ReasonStaleData {
			t.Errorf("bot %d: reason %s, want stale_data", d.BotID, d.Reason)
		}
	}
	if fx.store.liveUpdates != 0 {
		t.Errorf("stale ticks must not persist live fields, got %d updates", fx.store.liveUpdates)
	}
	if len(fx.store.tranches) != 0 {
		t.Error("stale ticks must not touch tranches")
	}
	if botA.CurrentScore != -0.2 || botA.Temperature != evaluator.TempWarm {
		t.Error("stale tick mutated the bot's live fields")
	}
}

// ============================================================================
// TEST: Stop-loss forces a full exit without a confirmation window
// ============================================================================

func TestStopLossForcesFullExit(t *testing.T) {
	fx := newFixture(gate.New(6000, 20), Config{
		FastTick:    2 * time.Second,
		SlowTick:    time.Minute,
		Parallelism: 2,
	})
	bot := fx.store.addBot(1, "BTC-USD")
	bot.PositionStatus = database.PositionOpen
	// Mock price sits near 52000; an entry at 60000 is a ~13% drawdown,
	// well past the 5% stop.
	fx.store.addTranche(bot.ID, 100, 60000)
	fx.store.addTranche(bot.ID, 100, 61000)

	fx.sched.FastTick(context.Background())

	open, _ := fx.store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 0 {
		t.Fatalf("expected full liquidation, %d tranches still open", len(open))
	}
	if bot.PositionStatus != database.PositionClosed {
		t.Errorf("position status %s, want closed", bot.PositionStatus)
	}

	var exitDecision *database.Decision
	for _, d := range fx.store.decisions {
		if d.Reason == ReasonStopLoss {
			exitDecision = d
		}
	}
	if exitDecision == nil {
		t.Fatal("expected a stop_loss decision")
	}
	if exitDecision.Action != evaluator.ActionSell {
		t.Errorf("stop_loss decision action %s, want sell", exitDecision.Action)
	}
}

// ============================================================================
// TEST: Take-profit triggers on the upside
// ============================================================================

func TestTakeProfitForcesFullExit(t *testing.T) {
	fx := newFixture(gate.New(6000, 20), Config{
		FastTick:    2 * time.Second,
		SlowTick:    time.Minute,
		Parallelism: 2,
	})
	bot := fx.store.addBot(1, "BTC-USD")
	bot.PositionStatus = database.PositionOpen
	// Entry at 45000 against a ~52000 mark is ~15% up, past the 10% target.
	fx.store.addTranche(bot.ID, 100, 45000)

	fx.sched.FastTick(context.Background())

	open, _ := fx.store.OpenTranches(context.Background(), bot.ID)
	if len(open) != 0 {
		t.Fatalf("expected take-profit exit, %d tranches still open", len(open))
	}

	found := false
	for _, d := range fx.store.decisions {
		if d.Reason == ReasonTakeProfit {
			found = true
		}
	}
	if !found {
		t.Error("expected a take_profit decision")
	}
}

// ============================================================================
// TEST: Sell sizing follows the configured close ordering
// ============================================================================

func TestSellSizingFollowsCloseOrder(t *testing.T) {
	fx := newFixtureWithOptions(gate.New(6000, 20), Config{
		FastTick:    2 * time.Second,
		SlowTick:    time.Minute,
		Parallelism: 2,
	}, trade.Options{MinTrancheUSD: 10, CloseOrder: trade.CloseLowestEntry})
	bot := fx.store.addBot(1, "BTC-USD")
	bot.PositionStatus = database.PositionOpen

	now := time.Now()
	// Oldest tranche holds 1.0 base; the lowest-entry tranche holds 2.0. A
	// FIFO-sized check would describe the wrong tranche here.
	oldest := fx.store.addTranche(bot.ID, 100, 100)
	oldest.EntryTS = now.Add(-2 * time.Hour)
	lowest := fx.store.addTranche(bot.ID, 100, 50)
	lowest.EntryTS = now.Add(-time.Hour)

	snap := marketdata.NewSnapshot(now)
	snap.SetValue(marketdata.TickerKey(bot.Pair), &exchange.Ticker{Pair: bot.Pair, Price: 80})

	in, err := fx.sched.safetyInput(context.Background(), bot, snap, evaluator.ActionSell, evaluator.TempHot, now)
	if err != nil {
		t.Fatal(err)
	}
	if in.SellBaseSize != 2.0 {
		t.Errorf("sell base size %.4f, want 2.0 (the lowest-entry tranche)", in.SellBaseSize)
	}
	if in.IntendedSizeUSD != 100 {
		t.Errorf("intended size %.2f, want 100", in.IntendedSizeUSD)
	}
}

// ============================================================================
// TEST: Invalid signal config stops the bot
// ============================================================================

func TestInvalidConfigStopsBot(t *testing.T) {
	fx := newFixture(gate.New(6000, 20), Config{
		FastTick:    2 * time.Second,
		SlowTick:    time.Minute,
		Parallelism: 2,
	})
	bot := fx.store.addBot(1, "BTC-USD")
	bot.SignalConfig.RSI.Weight = 0.9
	bot.SignalConfig.MACD.Weight = 0.9 // weights sum > 1

	fx.sched.FastTick(context.Background())

	if bot.Status != database.BotStatusStopped {
		t.Errorf("bot status %s, want stopped", bot.Status)
	}
	if len(fx.store.decisions) != 0 {
		t.Error("a stopped bot must not produce decisions")
	}
}

// ============================================================================
// TEST: Slow tick prunes old decision history
// ============================================================================

func TestSlowTickPrunesDecisions(t *testing.T) {
	fx := newFixture(gate.New(6000, 20), Config{
		FastTick:          2 * time.Second,
		SlowTick:          time.Minute,
		Parallelism:       2,
		DecisionRetention: 24 * time.Hour,
	})
	fx.store.addBot(1, "BTC-USD")

	old := &database.Decision{BotID: 1, Action: evaluator.ActionHold, SnapshotTS: time.Now()}
	fx.store.InsertDecision(context.Background(), old)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)

	fresh := &database.Decision{BotID: 1, Action: evaluator.ActionHold, SnapshotTS: time.Now()}
	fx.store.InsertDecision(context.Background(), fresh)

	fx.sched.SlowTick(context.Background())

	if len(fx.store.decisions) != 1 {
		t.Fatalf("expected 1 decision to survive pruning, got %d", len(fx.store.decisions))
	}
	if fx.store.decisions[0].ID != fresh.ID {
		t.Error("the fresh decision should have survived")
	}
}
