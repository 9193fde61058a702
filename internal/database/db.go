package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}
	db.logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")
	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes idempotent schema migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			pair VARCHAR(20) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'stopped',
			position_size_usd DECIMAL(20, 8) NOT NULL,
			max_positions INT NOT NULL DEFAULT 4,
			stop_loss_pct DECIMAL(10, 4) NOT NULL,
			take_profit_pct DECIMAL(10, 4) NOT NULL,
			cooldown_minutes INT NOT NULL DEFAULT 15,
			trade_step_pct DECIMAL(10, 4) NOT NULL DEFAULT 0.5,
			signal_config JSONB NOT NULL,
			current_score DECIMAL(10, 6) NOT NULL DEFAULT 0,
			temperature VARCHAR(10) NOT NULL DEFAULT 'frozen',
			position_status VARCHAR(10) NOT NULL DEFAULT 'closed',
			pending_action VARCHAR(4),
			confirmation_start TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,

		`CREATE TABLE IF NOT EXISTS tranches (
			id SERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			entry_trade_id BIGINT NOT NULL,
			exit_trade_id BIGINT,
			size_usd DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_ts TIMESTAMP NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			closed_ts TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tranches_bot_status ON tranches(bot_id, status)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			pair VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			size_usd DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			client_order_id VARCHAR(64) NOT NULL,
			exchange_order_id VARCHAR(64),
			status VARCHAR(10) NOT NULL DEFAULT 'pending',
			composite_score DECIMAL(10, 6) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			filled_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_created ON trades(bot_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_exchange_order ON trades(exchange_order_id) WHERE exchange_order_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS decision_history (
			id SERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			action VARCHAR(4) NOT NULL,
			composite DECIMAL(10, 6) NOT NULL,
			temperature VARCHAR(10) NOT NULL,
			reason VARCHAR(64),
			scores JSONB,
			snapshot_ts TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_bot_ts ON decision_history(bot_id, created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
