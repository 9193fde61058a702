// Package safety holds the pre-trade checks. The gate is a pure function
// over a promoted decision and the bot/fleet state gathered for it; it never
// touches the database or the exchange itself.
package safety

import (
	"fmt"
	"time"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
)

// Rejection codes
const (
	CodeCooldown            = "cooldown"
	CodeTradeStep           = "trade_step"
	CodePositionCap         = "position_cap"
	CodeDailyCap            = "daily_cap"
	CodeConcurrentPositions = "concurrent_positions"
	CodeBalance             = "balance"
	CodeTemperature         = "temperature"
)

// RejectReason is a typed refusal. A nil *RejectReason means the trade may
// proceed.
type RejectReason struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (r *RejectReason) String() string {
	return r.Code + ": " + r.Detail
}

// Limits are the fleet-wide caps, from configuration.
type Limits struct {
	MaxActivePositions int
	MaxDailyTrades     int
	MaxDailyLossUSD    float64
	MinTemperature     string

	// MaxPositionTranches caps open tranches per bot fleet-wide; a bot's
	// own max_positions may only tighten it further.
	MaxPositionTranches int
	// TrancheCooldownMin is the minimum spacing in minutes between
	// successive buy tranches on the same bot.
	TrancheCooldownMin int
}

// Input bundles everything one check run needs. The caller gathers it before
// invoking the gate so the checks themselves stay side-effect free.
type Input struct {
	Bot         *database.Bot
	Action      string
	Temperature string

	// IntendedSizeUSD is the quote value of the proposed order.
	IntendedSizeUSD float64
	// SellBaseSize is the base-currency amount a sell would release.
	SellBaseSize float64
	CurrentPrice float64

	OpenTranches []*database.Tranche
	LastTrade    *database.Trade // nil when the bot has never traded
	Daily        *database.DailyStats

	QuoteAvailable float64
	BaseAvailable  float64

	// GlobalOpenPositions counts bots fleet-wide holding open tranches.
	GlobalOpenPositions int

	Now time.Time
}

var temperatureRank = map[string]int{
	evaluator.TempFrozen: 0,
	evaluator.TempCool:   1,
	evaluator.TempWarm:   2,
	evaluator.TempHot:    3,
}

// Gate runs the pre-trade checks.
type Gate struct {
	limits Limits
}

// New creates a gate with the given fleet limits.
func New(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Check returns nil when every check passes, or the first rejection in a
// fixed order so repeated runs over the same input refuse identically.
func (g *Gate) Check(in Input) *RejectReason {
	checks := []func(Input) *RejectReason{
		g.checkTemperature,
		g.checkCooldown,
		g.checkTrancheCooldown,
		g.checkTradeStep,
		g.checkPositionCaps,
		g.checkDailyCaps,
		g.checkConcurrentPositions,
		g.checkBalance,
	}
	for _, check := range checks {
		if reason := check(in); reason != nil {
			return reason
		}
	}
	return nil
}

// CheckForcedExit runs only the checks that apply to stop-loss and
// take-profit sells: the position must exist, the balance must cover it, and
// the daily caps still bind. Cooldown, trade step and the temperature floor
// never block a protective exit.
func (g *Gate) CheckForcedExit(in Input) *RejectReason {
	checks := []func(Input) *RejectReason{
		g.checkPositionCaps,
		g.checkDailyCaps,
		g.checkBalance,
	}
	for _, check := range checks {
		if reason := check(in); reason != nil {
			return reason
		}
	}
	return nil
}

func (g *Gate) checkTemperature(in Input) *RejectReason {
	floor, ok := temperatureRank[g.limits.MinTemperature]
	if !ok {
		return nil
	}
	if temperatureRank[in.Temperature] < floor {
		return &RejectReason{
			Code:   CodeTemperature,
			Detail: fmt.Sprintf("temperature %s below floor %s", in.Temperature, g.limits.MinTemperature),
		}
	}
	return nil
}

func (g *Gate) checkCooldown(in Input) *RejectReason {
	if in.LastTrade == nil || in.LastTrade.FilledAt == nil {
		return nil
	}
	cooldown := time.Duration(in.Bot.CooldownMinutes) * time.Minute
	elapsed := in.Now.Sub(*in.LastTrade.FilledAt)
	if elapsed < cooldown {
		return &RejectReason{
			Code:   CodeCooldown,
			Detail: fmt.Sprintf("last trade %s ago, cooldown %s", elapsed.Round(time.Second), cooldown),
		}
	}
	return nil
}

// checkTrancheCooldown spaces out successive buy tranches on one bot.
func (g *Gate) checkTrancheCooldown(in Input) *RejectReason {
	if in.Action != evaluator.ActionBuy || g.limits.TrancheCooldownMin <= 0 || len(in.OpenTranches) == 0 {
		return nil
	}
	var newest time.Time
	for _, tranche := range in.OpenTranches {
		if tranche.EntryTS.After(newest) {
			newest = tranche.EntryTS
		}
	}
	spacing := time.Duration(g.limits.TrancheCooldownMin) * time.Minute
	elapsed := in.Now.Sub(newest)
	if elapsed < spacing {
		return &RejectReason{
			Code:   CodeCooldown,
			Detail: fmt.Sprintf("last tranche opened %s ago, tranche spacing %s", elapsed.Round(time.Second), spacing),
		}
	}
	return nil
}

// checkTradeStep blocks micro-trading: the price must have moved at least
// trade_step_pct away from the last fill.
func (g *Gate) checkTradeStep(in Input) *RejectReason {
	if in.LastTrade == nil || in.LastTrade.Price <= 0 || in.CurrentPrice <= 0 {
		return nil
	}
	movePct := abs(in.LastTrade.Price-in.CurrentPrice) / in.LastTrade.Price * 100
	if movePct < in.Bot.TradeStepPct {
		return &RejectReason{
			Code:   CodeTradeStep,
			Detail: fmt.Sprintf("price moved %.3f%%, step requires %.3f%%", movePct, in.Bot.TradeStepPct),
		}
	}
	return nil
}

func (g *Gate) checkPositionCaps(in Input) *RejectReason {
	switch in.Action {
	case evaluator.ActionBuy:
		cap := in.Bot.MaxPositions
		if g.limits.MaxPositionTranches > 0 && g.limits.MaxPositionTranches < cap {
			cap = g.limits.MaxPositionTranches
		}
		if len(in.OpenTranches) >= cap {
			return &RejectReason{
				Code:   CodePositionCap,
				Detail: fmt.Sprintf("%d of %d tranches open", len(in.OpenTranches), cap),
			}
		}
		open := 0.0
		for _, tranche := range in.OpenTranches {
			open += tranche.SizeUSD
		}
		if open+in.IntendedSizeUSD > in.Bot.Ceiling() {
			return &RejectReason{
				Code:   CodePositionCap,
				Detail: fmt.Sprintf("open %.2f + intended %.2f exceeds ceiling %.2f", open, in.IntendedSizeUSD, in.Bot.Ceiling()),
			}
		}
	case evaluator.ActionSell:
		if len(in.OpenTranches) == 0 {
			return &RejectReason{Code: CodePositionCap, Detail: "no open tranche to sell"}
		}
	}
	return nil
}

func (g *Gate) checkDailyCaps(in Input) *RejectReason {
	if in.Daily == nil {
		return nil
	}
	if g.limits.MaxDailyTrades > 0 && in.Daily.Trades >= g.limits.MaxDailyTrades {
		return &RejectReason{
			Code:   CodeDailyCap,
			Detail: fmt.Sprintf("%d trades today, cap %d", in.Daily.Trades, g.limits.MaxDailyTrades),
		}
	}
	if g.limits.MaxDailyLossUSD > 0 && -in.Daily.RealizedPnL >= g.limits.MaxDailyLossUSD {
		return &RejectReason{
			Code:   CodeDailyCap,
			Detail: fmt.Sprintf("daily loss %.2f reached cap %.2f", -in.Daily.RealizedPnL, g.limits.MaxDailyLossUSD),
		}
	}
	return nil
}

// checkConcurrentPositions caps how many bots may hold positions at once.
// Only a buy opening a fresh position counts against the cap.
func (g *Gate) checkConcurrentPositions(in Input) *RejectReason {
	if in.Action != evaluator.ActionBuy || len(in.OpenTranches) > 0 {
		return nil
	}
	if g.limits.MaxActivePositions > 0 && in.GlobalOpenPositions >= g.limits.MaxActivePositions {
		return &RejectReason{
			Code:   CodeConcurrentPositions,
			Detail: fmt.Sprintf("%d bots hold positions, cap %d", in.GlobalOpenPositions, g.limits.MaxActivePositions),
		}
	}
	return nil
}

func (g *Gate) checkBalance(in Input) *RejectReason {
	switch in.Action {
	case evaluator.ActionBuy:
		if in.QuoteAvailable < in.IntendedSizeUSD {
			return &RejectReason{
				Code:   CodeBalance,
				Detail: fmt.Sprintf("quote available %.2f below intended %.2f", in.QuoteAvailable, in.IntendedSizeUSD),
			}
		}
	case evaluator.ActionSell:
		if in.BaseAvailable < in.SellBaseSize {
			return &RejectReason{
				Code:   CodeBalance,
				Detail: fmt.Sprintf("base available %.8f below intended %.8f", in.BaseAvailable, in.SellBaseSize),
			}
		}
	}
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
