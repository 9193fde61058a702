// Package trade turns accepted intents into exchange orders and keeps the
// tranche ledger consistent with what actually filled.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/exchange"
	"botfleet/internal/gate"
)

// ErrNoPosition means a sell was requested with nothing open.
var ErrNoPosition = errors.New("no open tranches")

// ErrFillTimeout means the order was submitted but never confirmed filled.
var ErrFillTimeout = errors.New("order fill confirmation timed out")

// Store is the persistence surface the service needs. *database.Repository
// satisfies it.
type Store interface {
	CreateTrade(ctx context.Context, trade *database.Trade) error
	MarkTradeFailed(ctx context.Context, tradeID int64, exchangeOrderID *string) error
	RecordBuyFill(ctx context.Context, trade *database.Trade, positionStatus string) (*database.Tranche, error)
	RecordSellFill(ctx context.Context, trade *database.Trade, trancheIDs []int64, positionStatus string) error
	OpenTranches(ctx context.Context, botID int64) ([]*database.Tranche, error)
	SetBotStatus(ctx context.Context, botID int64, status string) error
}

// Options tune sizing and close behavior, from configuration.
type Options struct {
	MinTrancheUSD     float64
	CloseOrder        string
	TemperatureSizing bool
}

// Service executes trades. All exchange calls go through the rate gate at
// trading priority; all persistence goes through the Store transactionally.
type Service struct {
	store  Store
	client exchange.MarketClient
	gate   *gate.RateGate
	opts   Options
	logger zerolog.Logger

	pollInterval time.Duration
	pollTimeout  time.Duration
	now          func() time.Time

	onTrade func(*database.Trade)
}

// NewService wires a trade service.
func NewService(store Store, client exchange.MarketClient, rg *gate.RateGate, opts Options, logger zerolog.Logger) *Service {
	if opts.CloseOrder == "" {
		opts.CloseOrder = CloseFIFO
	}
	return &Service{
		store:        store,
		client:       client,
		gate:         rg,
		opts:         opts,
		logger:       logger.With().Str("component", "trade").Logger(),
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  15 * time.Second,
		now:          time.Now,
	}
}

// OnTrade registers a listener invoked after every trade settles (filled or
// failed). Used by the websocket hub.
func (s *Service) OnTrade(fn func(*database.Trade)) {
	s.onTrade = fn
}

// CloseOrder reports which tranche ordering sells follow.
func (s *Service) CloseOrder() string {
	return s.opts.CloseOrder
}

// SizeFor computes the next tranche's quote size. Temperature scaling, when
// enabled, commits less on weaker conviction.
func (s *Service) SizeFor(bot *database.Bot, temperature string) float64 {
	size := bot.PositionSizeUSD
	if s.opts.TemperatureSizing {
		switch temperature {
		case evaluator.TempHot:
			// full size
		case evaluator.TempWarm:
			size *= 0.75
		default:
			size *= 0.5
		}
	}
	if size < s.opts.MinTrancheUSD {
		size = s.opts.MinTrancheUSD
	}
	return size
}

// ExecuteBuy opens a new tranche for the bot.
func (s *Service) ExecuteBuy(ctx context.Context, bot *database.Bot, composite float64, temperature string) (*database.Trade, error) {
	open, err := s.store.OpenTranches(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("loading tranches: %w", err)
	}

	trade := &database.Trade{
		BotID:          bot.ID,
		Pair:           bot.Pair,
		Side:           exchange.SideBuy,
		SizeUSD:        s.SizeFor(bot, temperature),
		ClientOrderID:  uuid.NewString(),
		CompositeScore: composite,
	}
	if err := s.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting pending trade: %w", err)
	}

	state, err := s.submitAndAwaitFill(ctx, trade)
	if err != nil {
		s.failTrade(ctx, trade)
		return nil, err
	}

	trade.Price = state.AvgPrice
	trade.Fee = state.Fee
	filledAt := s.now()
	trade.FilledAt = &filledAt
	trade.ExchangeOrderID = &state.ExchangeOrderID

	// One more open tranche after this fill.
	status := database.PositionBuilding
	if len(open)+1 >= bot.MaxPositions {
		status = database.PositionOpen
	}

	tranche, err := s.store.RecordBuyFill(ctx, trade, status)
	if err != nil {
		return nil, fmt.Errorf("recording buy fill: %w", err)
	}
	bot.PositionStatus = status
	bot.PendingAction = nil
	bot.ConfirmationStart = nil

	s.logger.Info().
		Int64("bot_id", bot.ID).
		Str("pair", bot.Pair).
		Float64("size_usd", trade.SizeUSD).
		Float64("price", trade.Price).
		Int64("tranche_id", tranche.ID).
		Msg("buy filled")

	s.notify(trade)
	return trade, nil
}

// ExecuteSell closes tranches. A normal sell closes one tranche per the
// configured ordering; closeAll exits the whole position (emergency stop,
// stop-loss, take-profit).
func (s *Service) ExecuteSell(ctx context.Context, bot *database.Bot, composite float64, closeAll bool) (*database.Trade, error) {
	open, err := s.store.OpenTranches(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("loading tranches: %w", err)
	}
	if len(open) == 0 {
		return nil, ErrNoPosition
	}

	selected := SelectForClose(open, s.opts.CloseOrder, closeAll)

	trade := &database.Trade{
		BotID:          bot.ID,
		Pair:           bot.Pair,
		Side:           exchange.SideSell,
		SizeUSD:        OpenSizeUSD(selected),
		ClientOrderID:  uuid.NewString(),
		CompositeScore: composite,
	}
	if err := s.store.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persisting pending trade: %w", err)
	}

	state, err := s.submitAndAwaitFill(ctx, trade)
	if err != nil {
		s.failTrade(ctx, trade)
		return nil, err
	}

	trade.Price = state.AvgPrice
	trade.Fee = state.Fee
	filledAt := s.now()
	trade.FilledAt = &filledAt
	trade.ExchangeOrderID = &state.ExchangeOrderID

	var realized float64
	trancheIDs := make([]int64, 0, len(selected))
	for _, t := range selected {
		realized += RealizedPnL(t, state.AvgPrice)
		trancheIDs = append(trancheIDs, t.ID)
	}
	trade.RealizedPnL = &realized

	status := database.PositionOpen
	if len(selected) == len(open) {
		status = database.PositionClosed
	}

	if err := s.store.RecordSellFill(ctx, trade, trancheIDs, status); err != nil {
		return nil, fmt.Errorf("recording sell fill: %w", err)
	}
	bot.PositionStatus = status
	bot.PendingAction = nil
	bot.ConfirmationStart = nil

	s.logger.Info().
		Int64("bot_id", bot.ID).
		Str("pair", bot.Pair).
		Int("tranches_closed", len(selected)).
		Float64("realized_pnl", realized).
		Str("position_status", status).
		Msg("sell filled")

	s.notify(trade)
	return trade, nil
}

// EmergencyStop forces the bot out of the market: every open tranche is sold
// through the normal path and the bot lands stopped with a closed position.
func (s *Service) EmergencyStop(ctx context.Context, bot *database.Bot) error {
	bot.PositionStatus = database.PositionClosing

	open, err := s.store.OpenTranches(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("loading tranches: %w", err)
	}

	if len(open) > 0 {
		if _, err := s.ExecuteSell(ctx, bot, bot.CurrentScore, true); err != nil {
			return fmt.Errorf("liquidating position: %w", err)
		}
	} else {
		bot.PositionStatus = database.PositionClosed
	}

	if err := s.store.SetBotStatus(ctx, bot.ID, database.BotStatusStopped); err != nil {
		return fmt.Errorf("stopping bot: %w", err)
	}
	bot.Status = database.BotStatusStopped

	s.logger.Warn().Int64("bot_id", bot.ID).Msg("emergency stop complete")
	return nil
}

// submitAndAwaitFill places the order through the rate gate and polls until
// the exchange confirms the fill.
func (s *Service) submitAndAwaitFill(ctx context.Context, trade *database.Trade) (*exchange.OrderState, error) {
	if err := s.gate.Acquire(ctx, gate.PriorityTrading); err != nil {
		return nil, fmt.Errorf("acquiring trade slot: %w", err)
	}

	ack, err := s.client.PlaceOrder(ctx, trade.Pair, trade.Side, trade.SizeUSD, trade.ClientOrderID)
	if err != nil {
		if exchange.IsRateLimited(err) {
			s.gate.ReportRateLimited()
		}
		return nil, fmt.Errorf("placing order: %w", err)
	}
	s.gate.ReportSuccess()
	trade.ExchangeOrderID = &ack.ExchangeOrderID

	deadline := s.now().Add(s.pollTimeout)
	for {
		if err := s.gate.Acquire(ctx, gate.PriorityTrading); err != nil {
			return nil, err
		}
		state, err := s.client.GetOrder(ctx, ack.ExchangeOrderID)
		if err != nil {
			if exchange.IsRateLimited(err) {
				s.gate.ReportRateLimited()
			}
			if exchange.IsFatal(err) {
				return nil, fmt.Errorf("querying order %s: %w", ack.ExchangeOrderID, err)
			}
		} else {
			s.gate.ReportSuccess()
			switch state.Status {
			case exchange.OrderStatusFilled:
				return state, nil
			case exchange.OrderStatusFailed:
				return nil, fmt.Errorf("order %s rejected by exchange", ack.ExchangeOrderID)
			}
		}

		if s.now().After(deadline) {
			return nil, ErrFillTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// failTrade marks the pending trade failed. Tranches are never touched on
// failure.
func (s *Service) failTrade(ctx context.Context, trade *database.Trade) {
	if err := s.store.MarkTradeFailed(ctx, trade.ID, trade.ExchangeOrderID); err != nil {
		s.logger.Error().Int64("trade_id", trade.ID).Err(err).Msg("marking trade failed")
	}
	trade.Status = database.TradeFailed
	s.notify(trade)
}

func (s *Service) notify(trade *database.Trade) {
	if s.onTrade != nil {
		s.onTrade(trade)
	}
}
