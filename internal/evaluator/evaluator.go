// Package evaluator turns a market snapshot into a per-bot trading decision.
// It is deterministic: the same bot state, snapshot and clock always produce
// the same decision.
package evaluator

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/exchange"
	"botfleet/internal/marketdata"
	"botfleet/internal/signals"
)

// Actions
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Temperatures, ordered coldest to hottest.
const (
	TempFrozen = "frozen"
	TempCool   = "cool"
	TempWarm   = "warm"
	TempHot    = "hot"
)

// Decision reasons
const (
	ReasonStaleData   = "stale_data"
	ReasonNoSignals   = "no_signals"
	ReasonConfirming  = "confirming"
	ReasonConfirmed   = "confirmed"
	ReasonWindowReset = "window_reset"
)

// frozenBand: composites this close to zero carry no conviction at all.
const frozenBand = 0.05

// Result is one evaluation outcome. Promoted is set only when the candidate
// action survived its full confirmation window this tick.
type Result struct {
	Decision *database.Decision
	Promoted bool
	// Stale means the snapshot was unusable; the bot's persisted live
	// fields must not change this tick.
	Stale bool
}

// Evaluator computes decisions for bots. It holds no per-bot state; the
// confirmation window lives on the bot row so it survives restarts.
type Evaluator struct {
	logger zerolog.Logger
}

// New creates an evaluator.
func New(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With().Str("component", "evaluator").Logger()}
}

// KeysFor resolves the market data keys a bot's evaluation needs. The candle
// limit comes from the slowest enabled signal.
func KeysFor(bot *database.Bot) []marketdata.Key {
	cfg := bot.SignalConfig
	return []marketdata.Key{
		marketdata.TickerKey(bot.Pair),
		marketdata.CandlesKey(bot.Pair, cfg.GranularitySec, cfg.RequiredPeriods()),
	}
}

// Evaluate runs one bot against one snapshot. It mutates the bot's in-memory
// live fields (score, temperature, confirmation window); the caller persists
// them unless Result.Stale is set.
func (e *Evaluator) Evaluate(bot *database.Bot, snap *marketdata.Snapshot, now time.Time) Result {
	cfg := bot.SignalConfig
	candleKey := marketdata.CandlesKey(bot.Pair, cfg.GranularitySec, cfg.RequiredPeriods())

	candles, ok := snap.Candles(bot.Pair, cfg.GranularitySec, cfg.RequiredPeriods())
	if !ok {
		// Deadline or degradation: emit a hold and leave every persisted
		// field exactly as it was.
		if err := snap.Err(candleKey); err != nil {
			e.logger.Warn().Int64("bot_id", bot.ID).Err(err).Msg("snapshot unusable, holding")
		}
		return Result{
			Stale: true,
			Decision: &database.Decision{
				BotID:       bot.ID,
				Action:      ActionHold,
				Composite:   bot.CurrentScore,
				Temperature: bot.Temperature,
				Reason:      ReasonStaleData,
				SnapshotTS:  snap.TakenAt,
			},
		}
	}

	scores := e.computeScores(bot, candles)
	if len(scores) == 0 {
		bot.CurrentScore = 0
		bot.Temperature = TempFrozen
		resetWindow(bot)
		return Result{
			Decision: &database.Decision{
				BotID:       bot.ID,
				Action:      ActionHold,
				Composite:   0,
				Temperature: TempFrozen,
				Reason:      ReasonNoSignals,
				SnapshotTS:  snap.TakenAt,
			},
		}
	}

	composite := compositeOf(scores)
	candidate := ActionHold
	switch {
	case composite <= cfg.BuyThreshold:
		candidate = ActionBuy
	case composite >= cfg.SellThreshold:
		candidate = ActionSell
	}

	temperature := e.temperatureOf(composite, bot.CurrentScore, cfg)

	action, reason, promoted := e.advanceWindow(bot, candidate, now)

	bot.CurrentScore = composite
	bot.Temperature = temperature

	return Result{
		Promoted: promoted,
		Decision: &database.Decision{
			BotID:       bot.ID,
			Action:      action,
			Composite:   composite,
			Temperature: temperature,
			Reason:      reason,
			Scores:      scores,
			SnapshotTS:  snap.TakenAt,
		},
	}
}

// computeScores runs every enabled signal, omitting the ones the series
// cannot feed.
func (e *Evaluator) computeScores(bot *database.Bot, candles []exchange.Candle) []signals.Score {
	var scores []signals.Score
	for _, kind := range bot.SignalConfig.Enabled() {
		score, err := signals.Compute(kind, candles, bot.SignalConfig)
		if err != nil {
			if err != signals.ErrInsufficientData {
				e.logger.Warn().Int64("bot_id", bot.ID).Str("signal", string(kind)).Err(err).Msg("signal failed")
			}
			continue
		}
		scores = append(scores, score)
	}
	return scores
}

// compositeOf re-normalizes the available weights so omitted signals do not
// drag the composite toward zero.
func compositeOf(scores []signals.Score) float64 {
	var weighted, total float64
	for _, s := range scores {
		weighted += s.Weight * s.Value
		total += s.Weight
	}
	if total == 0 {
		return 0
	}
	c := weighted / total
	if c < -1 {
		return -1
	}
	if c > 1 {
		return 1
	}
	return c
}

// temperatureOf classifies conviction. A composite within 10% of the nearer
// threshold counts as hot only while it is still moving toward it.
func (e *Evaluator) temperatureOf(composite, previous float64, cfg signals.Config) string {
	abs := math.Abs(composite)
	if abs < frozenBand {
		return TempFrozen
	}

	threshold := math.Abs(cfg.SellThreshold)
	if composite < 0 {
		threshold = math.Abs(cfg.BuyThreshold)
	}
	if threshold == 0 {
		threshold = frozenBand
	}

	trendingOut := abs >= math.Abs(previous)
	if abs >= 0.7 || (abs >= 0.9*threshold && trendingOut) {
		return TempHot
	}
	if abs >= threshold/2 {
		return TempWarm
	}
	return TempCool
}

// advanceWindow applies the confirmation window state machine to the bot and
// returns the decision's action, reason and whether the action was promoted.
func (e *Evaluator) advanceWindow(bot *database.Bot, candidate string, now time.Time) (string, string, bool) {
	if candidate == ActionHold {
		reason := ""
		if bot.PendingAction != nil {
			reason = ReasonWindowReset
		}
		resetWindow(bot)
		return ActionHold, reason, false
	}

	if bot.PendingAction == nil || *bot.PendingAction != candidate || bot.ConfirmationStart == nil {
		reason := ReasonConfirming
		if bot.PendingAction != nil && *bot.PendingAction != candidate {
			reason = ReasonWindowReset
		}
		pending := candidate
		start := now
		bot.PendingAction = &pending
		bot.ConfirmationStart = &start
		return candidate, reason, false
	}

	window := time.Duration(bot.SignalConfig.ConfirmationMinutes) * time.Minute
	if now.Sub(*bot.ConfirmationStart) >= window {
		resetWindow(bot)
		return candidate, ReasonConfirmed, true
	}
	return candidate, ReasonConfirming, false
}

func resetWindow(bot *database.Bot) {
	bot.PendingAction = nil
	bot.ConfirmationStart = nil
}
