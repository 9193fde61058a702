package database

import (
	"time"

	"botfleet/internal/signals"
)

// Bot lifecycle statuses
const (
	BotStatusStopped = "stopped"
	BotStatusRunning = "running"
)

// Position statuses (per-bot state machine)
const (
	PositionClosed   = "closed"
	PositionBuilding = "building"
	PositionOpen     = "open"
	PositionReducing = "reducing"
	PositionClosing  = "closing"
)

// Tranche statuses
const (
	TrancheOpen   = "open"
	TrancheClosed = "closed"
)

// Trade statuses
const (
	TradePending = "pending"
	TradeFilled  = "filled"
	TradeFailed  = "failed"
)

// Bot is a configured trading agent bound to one pair.
type Bot struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Pair   string `json:"pair"`
	Status string `json:"status"`

	// Risk caps
	PositionSizeUSD float64 `json:"position_size_usd"`
	MaxPositions    int     `json:"max_positions"` // max open tranches for this bot
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	CooldownMinutes int     `json:"cooldown_minutes"`
	TradeStepPct    float64 `json:"trade_step_pct"`

	SignalConfig signals.Config `json:"signal_config"`

	// Live fields
	CurrentScore      float64    `json:"current_combined_score"`
	Temperature       string     `json:"temperature"`
	PositionStatus    string     `json:"position_status"`
	PendingAction     *string    `json:"pending_action,omitempty"`
	ConfirmationStart *time.Time `json:"confirmation_start_ts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ceiling is the bot's maximum aggregate open position size in quote USD.
func (b *Bot) Ceiling() float64 {
	return b.PositionSizeUSD * float64(b.MaxPositions)
}

// Tranche is a single buy fill contributing to a bot's position.
type Tranche struct {
	ID           int64      `json:"id"`
	BotID        int64      `json:"bot_id"`
	EntryTradeID int64      `json:"entry_trade_id"`
	ExitTradeID  *int64     `json:"exit_trade_id,omitempty"`
	SizeUSD      float64    `json:"size_usd"`
	EntryPrice   float64    `json:"entry_price"`
	EntryTS      time.Time  `json:"entry_ts"`
	Status       string     `json:"status"`
	ClosedTS     *time.Time `json:"closed_ts,omitempty"`
}

// BaseSize is the tranche's size in base currency units.
func (t *Tranche) BaseSize() float64 {
	if t.EntryPrice <= 0 {
		return 0
	}
	return t.SizeUSD / t.EntryPrice
}

// Trade is one order submitted to the exchange.
type Trade struct {
	ID              int64      `json:"id"`
	BotID           int64      `json:"bot_id"`
	Pair            string     `json:"pair"`
	Side            string     `json:"side"`
	SizeUSD         float64    `json:"size"`
	Price           float64    `json:"price"`
	Fee             float64    `json:"fee"`
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID *string    `json:"exchange_order_id,omitempty"`
	Status          string     `json:"status"`
	CompositeScore  float64    `json:"composite_score_at_decision"`
	RealizedPnL     *float64   `json:"realized_pnl,omitempty"`
	CreatedAt       time.Time  `json:"created_ts"`
	FilledAt        *time.Time `json:"filled_ts,omitempty"`
}

// Decision is one evaluator output, appended to decision history.
type Decision struct {
	ID          int64           `json:"id"`
	BotID       int64           `json:"bot_id"`
	Action      string          `json:"action"`
	Composite   float64         `json:"composite"`
	Temperature string          `json:"temperature"`
	Reason      string          `json:"reason,omitempty"`
	Scores      []signals.Score `json:"scores,omitempty"`
	SnapshotTS  time.Time       `json:"snapshot_ts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DailyStats aggregates today's trading activity for the safety gate.
type DailyStats struct {
	Trades      int     `json:"trades"`
	RealizedPnL float64 `json:"realized_pnl"`
}
