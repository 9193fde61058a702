package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"botfleet/internal/signals"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// BOTS
// ============================================================================

const botColumns = `id, name, pair, status, position_size_usd, max_positions,
	stop_loss_pct, take_profit_pct, cooldown_minutes, trade_step_pct,
	signal_config, current_score, temperature, position_status,
	pending_action, confirmation_start, created_at, updated_at`

// CreateBot inserts a new bot in stopped state.
func (r *Repository) CreateBot(ctx context.Context, bot *Bot) error {
	cfgJSON, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return fmt.Errorf("marshaling signal config: %w", err)
	}

	query := `
		INSERT INTO bots (name, pair, status, position_size_usd, max_positions,
			stop_loss_pct, take_profit_pct, cooldown_minutes, trade_step_pct,
			signal_config, position_status)
		VALUES ($1, $2, 'stopped', $3, $4, $5, $6, $7, $8, $9, 'closed')
		RETURNING id, status, position_status, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		bot.Name, bot.Pair, bot.PositionSizeUSD, bot.MaxPositions,
		bot.StopLossPct, bot.TakeProfitPct, bot.CooldownMinutes, bot.TradeStepPct,
		cfgJSON,
	).Scan(&bot.ID, &bot.Status, &bot.PositionStatus, &bot.CreatedAt, &bot.UpdatedAt)
}

// UpdateBot updates a bot's configuration fields.
func (r *Repository) UpdateBot(ctx context.Context, bot *Bot) error {
	cfgJSON, err := json.Marshal(bot.SignalConfig)
	if err != nil {
		return fmt.Errorf("marshaling signal config: %w", err)
	}

	query := `
		UPDATE bots
		SET name = $2, pair = $3, position_size_usd = $4, max_positions = $5,
			stop_loss_pct = $6, take_profit_pct = $7, cooldown_minutes = $8,
			trade_step_pct = $9, signal_config = $10, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err = r.db.Pool.Exec(
		ctx, query,
		bot.ID, bot.Name, bot.Pair, bot.PositionSizeUSD, bot.MaxPositions,
		bot.StopLossPct, bot.TakeProfitPct, bot.CooldownMinutes, bot.TradeStepPct,
		cfgJSON,
	)
	return err
}

// SetBotStatus transitions a bot between stopped and running.
func (r *Repository) SetBotStatus(ctx context.Context, botID int64, status string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		botID, status)
	return err
}

// UpdateBotLiveFields persists the evaluator's per-tick outputs.
func (r *Repository) UpdateBotLiveFields(ctx context.Context, bot *Bot) error {
	query := `
		UPDATE bots
		SET current_score = $2, temperature = $3, position_status = $4,
			pending_action = $5, confirmation_start = $6, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		bot.ID, bot.CurrentScore, bot.Temperature, bot.PositionStatus,
		bot.PendingAction, bot.ConfirmationStart,
	)
	return err
}

// DeleteBot removes a bot and, via cascades, its tranches/trades/decisions.
func (r *Repository) DeleteBot(ctx context.Context, botID int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, botID)
	return err
}

// GetBotByID retrieves one bot. Returns ErrNotFound for an unknown id.
func (r *Repository) GetBotByID(ctx context.Context, botID int64) (*Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	bot, err := r.scanBot(r.db.Pool.QueryRow(ctx, query, botID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return bot, err
}

// ListBots retrieves all bots ordered by id.
func (r *Repository) ListBots(ctx context.Context) ([]*Bot, error) {
	return r.queryBots(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
}

// ListRunningBots retrieves the bots the scheduler should evaluate.
func (r *Repository) ListRunningBots(ctx context.Context) ([]*Bot, error) {
	return r.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE status = 'running' ORDER BY id`)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanBot(row rowScanner) (*Bot, error) {
	bot := &Bot{}
	var cfgJSON []byte
	err := row.Scan(
		&bot.ID, &bot.Name, &bot.Pair, &bot.Status,
		&bot.PositionSizeUSD, &bot.MaxPositions,
		&bot.StopLossPct, &bot.TakeProfitPct, &bot.CooldownMinutes, &bot.TradeStepPct,
		&cfgJSON, &bot.CurrentScore, &bot.Temperature, &bot.PositionStatus,
		&bot.PendingAction, &bot.ConfirmationStart, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfgJSON, &bot.SignalConfig); err != nil {
		return nil, fmt.Errorf("parsing signal config for bot %d: %w", bot.ID, err)
	}
	return bot, nil
}

func (r *Repository) queryBots(ctx context.Context, query string, args ...interface{}) ([]*Bot, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := r.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// ============================================================================
// DECISION HISTORY
// ============================================================================

// InsertDecision appends one evaluator output.
func (r *Repository) InsertDecision(ctx context.Context, d *Decision) error {
	scoresJSON, err := json.Marshal(d.Scores)
	if err != nil {
		return fmt.Errorf("marshaling scores: %w", err)
	}

	query := `
		INSERT INTO decision_history (bot_id, action, composite, temperature, reason, scores, snapshot_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		d.BotID, d.Action, d.Composite, d.Temperature, d.Reason, scoresJSON, d.SnapshotTS,
	).Scan(&d.ID, &d.CreatedAt)
}

// GetDecisions retrieves recent decisions for a bot, newest first.
func (r *Repository) GetDecisions(ctx context.Context, botID int64, limit, offset int) ([]*Decision, error) {
	query := `
		SELECT id, bot_id, action, composite, temperature, reason, scores, snapshot_ts, created_at
		FROM decision_history
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Pool.Query(ctx, query, botID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		d := &Decision{}
		var reason *string
		var scoresJSON []byte
		if err := rows.Scan(&d.ID, &d.BotID, &d.Action, &d.Composite, &d.Temperature,
			&reason, &scoresJSON, &d.SnapshotTS, &d.CreatedAt); err != nil {
			return nil, err
		}
		if reason != nil {
			d.Reason = *reason
		}
		if len(scoresJSON) > 0 {
			var scores []signals.Score
			if err := json.Unmarshal(scoresJSON, &scores); err == nil {
				d.Scores = scores
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// PruneDecisions deletes history older than the retention window.
func (r *Repository) PruneDecisions(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM decision_history WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
