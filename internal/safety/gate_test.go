package safety

import (
	"testing"
	"time"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/signals"
)

func testLimits() Limits {
	return Limits{
		MaxActivePositions: 10,
		MaxDailyTrades:     50,
		MaxDailyLossUSD:    500,
		MinTemperature:     evaluator.TempWarm,
	}
}

func passingBuyInput() Input {
	bot := &database.Bot{
		ID:              7,
		Pair:            "BTC-USD",
		PositionSizeUSD: 100,
		MaxPositions:    3,
		CooldownMinutes: 15,
		TradeStepPct:    0.5,
		SignalConfig:    signals.DefaultConfig(),
	}
	return Input{
		Bot:             bot,
		Action:          evaluator.ActionBuy,
		Temperature:     evaluator.TempHot,
		IntendedSizeUSD: 100,
		CurrentPrice:    50000,
		Daily:           &database.DailyStats{Trades: 2, RealizedPnL: 10},
		QuoteAvailable:  5000,
		BaseAvailable:   1,
		Now:             time.Now(),
	}
}

func TestCleanBuyPasses(t *testing.T) {
	gate := New(testLimits())
	if reason := gate.Check(passingBuyInput()); reason != nil {
		t.Fatalf("expected pass, got %s", reason)
	}
}

// ============================================================================
// TEST: Tranche cap rejects with position_cap
// ============================================================================

func TestFullTrancheSetRejectsBuy(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.OpenTranches = []*database.Tranche{
		{ID: 1, SizeUSD: 100, EntryPrice: 48000},
		{ID: 2, SizeUSD: 100, EntryPrice: 49000},
		{ID: 3, SizeUSD: 100, EntryPrice: 50000},
	}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodePositionCap {
		t.Fatalf("expected position_cap, got %v", reason)
	}
}

func TestCeilingRejectsOversizedBuy(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.OpenTranches = []*database.Tranche{
		{ID: 1, SizeUSD: 150, EntryPrice: 48000},
		{ID: 2, SizeUSD: 120, EntryPrice: 49000},
	}
	// 270 open + 100 intended > ceiling 300
	reason := gate.Check(in)
	if reason == nil || reason.Code != CodePositionCap {
		t.Fatalf("expected position_cap on ceiling, got %v", reason)
	}
}

func TestFleetTrancheCapTightensBotCap(t *testing.T) {
	limits := testLimits()
	limits.MaxPositionTranches = 2
	gate := New(limits)

	in := passingBuyInput() // bot allows 3 tranches, fleet cap allows 2
	in.OpenTranches = []*database.Tranche{
		{ID: 1, SizeUSD: 100, EntryPrice: 48000},
		{ID: 2, SizeUSD: 100, EntryPrice: 49000},
	}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodePositionCap {
		t.Fatalf("expected position_cap at fleet cap, got %v", reason)
	}
}

func TestSellWithoutTranchesRejects(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.Action = evaluator.ActionSell

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodePositionCap {
		t.Fatalf("expected position_cap, got %v", reason)
	}
}

// ============================================================================
// TEST: Cooldown is enforced from the last fill
// ============================================================================

func TestCooldownRejectsEarlyTrade(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	filled := in.Now.Add(-5 * time.Minute)
	price := 49000.0
	in.LastTrade = &database.Trade{Price: price, FilledAt: &filled}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeCooldown {
		t.Fatalf("expected cooldown, got %v", reason)
	}

	// Past the window the same trade passes (price moved > step).
	old := in.Now.Add(-20 * time.Minute)
	in.LastTrade.FilledAt = &old
	if reason := gate.Check(in); reason != nil {
		t.Fatalf("expected pass after cooldown, got %s", reason)
	}
}

// ============================================================================
// TEST: Tranche spacing between successive buys
// ============================================================================

func TestTrancheSpacingRejectsRapidBuy(t *testing.T) {
	limits := testLimits()
	limits.TrancheCooldownMin = 10
	gate := New(limits)

	in := passingBuyInput()
	in.OpenTranches = []*database.Tranche{
		{ID: 1, SizeUSD: 100, EntryPrice: 49000, EntryTS: in.Now.Add(-5 * time.Minute)},
	}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeCooldown {
		t.Fatalf("expected cooldown on tranche spacing, got %v", reason)
	}

	// Past the spacing window the same buy passes.
	in.OpenTranches[0].EntryTS = in.Now.Add(-15 * time.Minute)
	if reason := gate.Check(in); reason != nil {
		t.Fatalf("expected pass after spacing, got %s", reason)
	}
}

// ============================================================================
// TEST: Trade step blocks micro-trading
// ============================================================================

func TestTradeStepRejectsTinyMove(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	filled := in.Now.Add(-30 * time.Minute)
	in.LastTrade = &database.Trade{Price: 50010, FilledAt: &filled} // 0.02% away

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeTradeStep {
		t.Fatalf("expected trade_step, got %v", reason)
	}
}

// ============================================================================
// TEST: Daily caps
// ============================================================================

func TestDailyTradeCapRejects(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.Daily = &database.DailyStats{Trades: 50}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeDailyCap {
		t.Fatalf("expected daily_cap, got %v", reason)
	}
}

func TestDailyLossCapRejects(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.Daily = &database.DailyStats{Trades: 3, RealizedPnL: -520}

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeDailyCap {
		t.Fatalf("expected daily_cap, got %v", reason)
	}
}

// ============================================================================
// TEST: Fleet-wide concurrent position cap
// ============================================================================

func TestConcurrentPositionsRejectsFreshBuy(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.GlobalOpenPositions = 10

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeConcurrentPositions {
		t.Fatalf("expected concurrent_positions, got %v", reason)
	}

	// A bot that already holds tranches may keep building.
	in.OpenTranches = []*database.Tranche{{ID: 1, SizeUSD: 100, EntryPrice: 49000}}
	if reason := gate.Check(in); reason != nil {
		t.Fatalf("expected pass for existing position, got %s", reason)
	}
}

// ============================================================================
// TEST: Balance checks per side
// ============================================================================

func TestInsufficientQuoteBalanceRejectsBuy(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.QuoteAvailable = 40

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeBalance {
		t.Fatalf("expected balance, got %v", reason)
	}
}

func TestInsufficientBaseBalanceRejectsSell(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.Action = evaluator.ActionSell
	in.OpenTranches = []*database.Tranche{{ID: 1, SizeUSD: 100, EntryPrice: 50000}}
	in.SellBaseSize = 0.002
	in.BaseAvailable = 0.001

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeBalance {
		t.Fatalf("expected balance, got %v", reason)
	}
}

// ============================================================================
// TEST: Temperature floor
// ============================================================================

func TestTemperatureFloorRejectsCool(t *testing.T) {
	gate := New(testLimits())
	in := passingBuyInput()
	in.Temperature = evaluator.TempCool

	reason := gate.Check(in)
	if reason == nil || reason.Code != CodeTemperature {
		t.Fatalf("expected temperature, got %v", reason)
	}
}
