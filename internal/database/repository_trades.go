package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ============================================================================
// TRANCHES
// ============================================================================

// OpenTranches retrieves a bot's open tranches ordered by entry time.
func (r *Repository) OpenTranches(ctx context.Context, botID int64) ([]*Tranche, error) {
	query := `
		SELECT id, bot_id, entry_trade_id, exit_trade_id, size_usd, entry_price, entry_ts, status, closed_ts
		FROM tranches
		WHERE bot_id = $1 AND status = 'open'
		ORDER BY entry_ts ASC, id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tranches []*Tranche
	for rows.Next() {
		t := &Tranche{}
		if err := rows.Scan(&t.ID, &t.BotID, &t.EntryTradeID, &t.ExitTradeID,
			&t.SizeUSD, &t.EntryPrice, &t.EntryTS, &t.Status, &t.ClosedTS); err != nil {
			return nil, err
		}
		tranches = append(tranches, t)
	}
	return tranches, rows.Err()
}

// CountBotsWithOpenPositions counts bots that currently hold at least one
// open tranche. Used for the fleet-wide concurrent position cap.
func (r *Repository) CountBotsWithOpenPositions(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT bot_id) FROM tranches WHERE status = 'open'`).Scan(&count)
	return count, err
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a pending order record before submission.
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	query := `
		INSERT INTO trades (bot_id, pair, side, size_usd, client_order_id, status, composite_score)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING id, status, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.BotID, trade.Pair, trade.Side, trade.SizeUSD,
		trade.ClientOrderID, trade.CompositeScore,
	).Scan(&trade.ID, &trade.Status, &trade.CreatedAt)
}

// MarkTradeFailed records a rejected or errored order.
func (r *Repository) MarkTradeFailed(ctx context.Context, tradeID int64, exchangeOrderID *string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE trades SET status = 'failed', exchange_order_id = $2 WHERE id = $1`,
		tradeID, exchangeOrderID)
	return err
}

// LastFilledTrade retrieves a bot's most recent filled trade, used for the
// cooldown and trade-step checks. Returns ErrNotFound when the bot has never
// traded.
func (r *Repository) LastFilledTrade(ctx context.Context, botID int64) (*Trade, error) {
	query := `
		SELECT id, bot_id, pair, side, size_usd, price, fee, client_order_id,
			exchange_order_id, status, composite_score, realized_pnl, created_at, filled_at
		FROM trades
		WHERE bot_id = $1 AND status = 'filled'
		ORDER BY filled_at DESC
		LIMIT 1
	`
	t := &Trade{}
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(
		&t.ID, &t.BotID, &t.Pair, &t.Side, &t.SizeUSD, &t.Price, &t.Fee,
		&t.ClientOrderID, &t.ExchangeOrderID, &t.Status, &t.CompositeScore,
		&t.RealizedPnL, &t.CreatedAt, &t.FilledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TradesForBot retrieves a bot's trades, newest first.
func (r *Repository) TradesForBot(ctx context.Context, botID int64, limit, offset int) ([]*Trade, error) {
	query := `
		SELECT id, bot_id, pair, side, size_usd, price, fee, client_order_id,
			exchange_order_id, status, composite_score, realized_pnl, created_at, filled_at
		FROM trades
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, botID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		if err := rows.Scan(&t.ID, &t.BotID, &t.Pair, &t.Side, &t.SizeUSD, &t.Price, &t.Fee,
			&t.ClientOrderID, &t.ExchangeOrderID, &t.Status, &t.CompositeScore,
			&t.RealizedPnL, &t.CreatedAt, &t.FilledAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListTrades retrieves trades across all bots, newest first.
func (r *Repository) ListTrades(ctx context.Context, limit, offset int) ([]*Trade, error) {
	query := `
		SELECT id, bot_id, pair, side, size_usd, price, fee, client_order_id,
			exchange_order_id, status, composite_score, realized_pnl, created_at, filled_at
		FROM trades
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		if err := rows.Scan(&t.ID, &t.BotID, &t.Pair, &t.Side, &t.SizeUSD, &t.Price, &t.Fee,
			&t.ClientOrderID, &t.ExchangeOrderID, &t.Status, &t.CompositeScore,
			&t.RealizedPnL, &t.CreatedAt, &t.FilledAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// FleetDailyStats aggregates filled trades and realized P&L since the given
// cutoff across all bots, for the daily safety caps.
func (r *Repository) FleetDailyStats(ctx context.Context, since time.Time) (*DailyStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE status = 'filled' AND filled_at >= $1
	`
	stats := &DailyStats{}
	err := r.db.Pool.QueryRow(ctx, query, since).Scan(&stats.Trades, &stats.RealizedPnL)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ============================================================================
// FILL TRANSACTIONS
// ============================================================================

// RecordBuyFill atomically marks a trade filled, opens the resulting tranche,
// and advances the bot's position status.
func (r *Repository) RecordBuyFill(ctx context.Context, trade *Trade, positionStatus string) (*Tranche, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE trades
		SET status = 'filled', price = $2, fee = $3, exchange_order_id = $4, filled_at = $5
		WHERE id = $1
	`, trade.ID, trade.Price, trade.Fee, trade.ExchangeOrderID, trade.FilledAt)
	if err != nil {
		return nil, err
	}

	tranche := &Tranche{
		BotID:        trade.BotID,
		EntryTradeID: trade.ID,
		SizeUSD:      trade.SizeUSD,
		EntryPrice:   trade.Price,
		Status:       TrancheOpen,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tranches (bot_id, entry_trade_id, size_usd, entry_price, entry_ts, status)
		VALUES ($1, $2, $3, $4, $5, 'open')
		RETURNING id, entry_ts
	`, trade.BotID, trade.ID, trade.SizeUSD, trade.Price, trade.FilledAt).Scan(&tranche.ID, &tranche.EntryTS)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE bots
		SET position_status = $2, pending_action = NULL, confirmation_start = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, trade.BotID, positionStatus)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	trade.Status = TradeFilled
	return tranche, nil
}

// RecordSellFill atomically marks a sell trade filled, closes the tranches it
// exits, records realized P&L, and sets the bot's resulting position status.
func (r *Repository) RecordSellFill(ctx context.Context, trade *Trade, trancheIDs []int64, positionStatus string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE trades
		SET status = 'filled', price = $2, fee = $3, exchange_order_id = $4,
			filled_at = $5, realized_pnl = $6
		WHERE id = $1
	`, trade.ID, trade.Price, trade.Fee, trade.ExchangeOrderID, trade.FilledAt, trade.RealizedPnL)
	if err != nil {
		return err
	}

	for _, trancheID := range trancheIDs {
		_, err = tx.Exec(ctx, `
			UPDATE tranches
			SET status = 'closed', exit_trade_id = $2, closed_ts = $3
			WHERE id = $1 AND status = 'open'
		`, trancheID, trade.ID, trade.FilledAt)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE bots
		SET position_status = $2, pending_action = NULL, confirmation_start = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`, trade.BotID, positionStatus)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	trade.Status = TradeFilled
	return nil
}
