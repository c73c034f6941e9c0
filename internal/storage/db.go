// Package storage persists scan results, scan history and position
// proposals in PostgreSQL. Monetary and percentage values cross this
// boundary as fixed-precision decimal strings, never as binary floats.
package storage

import (
	"context"
	"fmt"
	"time"

	"bybit-trading-pipeline/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection pool.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
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

	logger.Info().Str("database", cfg.Database).Msg("connected to postgres")
	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations executes database migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		// Backtest scorecards per symbol. The status index takes the role of
		// a StatusIndex range scan; ttl is an epoch-seconds expiry filtered
		// on read and purged on write.
		`CREATE TABLE IF NOT EXISTS scan_results (
			symbol VARCHAR(20) NOT NULL,
			scan_timestamp BIGINT NOT NULL,
			scan_id VARCHAR(64),
			analyzer_id VARCHAR(64),
			volatility_24h DECIMAL(20, 8),
			turnover DECIMAL(30, 8),
			price DECIMAL(20, 8),
			price_change_24h DECIMAL(20, 8),
			timeframes JSONB NOT NULL DEFAULT '{}',
			optimal_timeframe VARCHAR(8),
			optimal_pnl DECIMAL(20, 8),
			optimal_win_rate DECIMAL(10, 4),
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			ttl BIGINT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, scan_timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_results_status ON scan_results(status, scan_timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_results_ttl ON scan_results(ttl)`,

		// One row per scan cycle; drives garbage collection of scan_results.
		`CREATE TABLE IF NOT EXISTS scan_history (
			scan_id VARCHAR(64) NOT NULL,
			scan_timestamp BIGINT NOT NULL,
			scanner_id VARCHAR(64),
			selected_coins JSONB NOT NULL DEFAULT '[]',
			removed_coins JSONB NOT NULL DEFAULT '[]',
			total_tasks INTEGER NOT NULL DEFAULT 0,
			messages_published INTEGER NOT NULL DEFAULT 0,
			scan_duration_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'running',
			ttl BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scan_id, scan_timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_timestamp ON scan_history(scan_timestamp DESC)`,

		// Position proposals produced by the finder and consumed by the
		// executor.
		`CREATE TABLE IF NOT EXISTS positions (
			symbol VARCHAR(20) NOT NULL,
			signal_timestamp BIGINT NOT NULL,
			signal_id VARCHAR(64),
			scan_id VARCHAR(64),
			strategy VARCHAR(16) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			position_type VARCHAR(8) NOT NULL,
			confidence DECIMAL(10, 4) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			position_size DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL,
			rsi DECIMAL(10, 4),
			bb_position DECIMAL(10, 6),
			bb_width DECIMAL(10, 4),
			btc_trend JSONB,
			coin_trend JSONB,
			funding_info JSONB,
			fib_support DECIMAL(20, 8),
			fib_resistance DECIMAL(20, 8),
			fib_distance_pct DECIMAL(10, 4),
			expected_profit DECIMAL(20, 8),
			expected_loss DECIMAL(20, 8),
			total_fee DECIMAL(20, 8),
			net_profit DECIMAL(20, 8),
			risk_reward DECIMAL(10, 4),
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			ttl BIGINT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			order_id VARCHAR(64),
			executed_price DECIMAL(20, 8),
			executed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, signal_timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status, signal_timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_ttl ON positions(ttl)`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}
