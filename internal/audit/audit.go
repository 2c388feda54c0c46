// Package audit mirrors closed trades and equity points into Postgres when
// DATABASE_URL is configured. It is never required for correctness — the
// journal files remain the system of record — so every write here is
// best-effort and logged, never propagated as a hard error to the caller.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Mirror is a pgx-backed repository for the trade/equity audit tables.
type Mirror struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens a pooled connection to dsn and runs the audit migrations.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*Mirror, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	m := &Mirror{pool: pool, log: log.With().Str("component", "audit").Logger()}
	if err := m.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	m.log.Info().Msg("connected to audit database")
	return m, nil
}

// Close releases the connection pool.
func (m *Mirror) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}

func (m *Mirror) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			is_partial BOOLEAN NOT NULL DEFAULT FALSE,
			reconciled_from_target BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			id BIGSERIAL PRIMARY KEY,
			value DECIMAL(20, 8) NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_points_recorded_at ON equity_points(recorded_at)`,
	}
	for i, migration := range migrations {
		if _, err := m.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("audit: migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Trade is the subset of journal.TradeRecord the audit mirror persists.
type Trade struct {
	Symbol               string
	Side                 string
	EntryPrice           float64
	ExitPrice            float64
	Quantity             float64
	PnL                  float64
	PnLPercent           float64
	EntryTime            time.Time
	ExitTime             time.Time
	IsPartial            bool
	ReconciledFromTarget bool
}

// CreateTrade inserts a closed (or partially closed) trade row.
func (m *Mirror) CreateTrade(ctx context.Context, t Trade) error {
	query := `
		INSERT INTO trades (symbol, side, entry_price, exit_price, quantity, pnl, pnl_percent,
			entry_time, exit_time, is_partial, reconciled_from_target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := m.pool.Exec(ctx, query, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice, t.Quantity,
		t.PnL, t.PnLPercent, t.EntryTime, t.ExitTime, t.IsPartial, t.ReconciledFromTarget)
	return err
}

// AppendEquityPoint inserts an equity series point.
func (m *Mirror) AppendEquityPoint(ctx context.Context, value float64, recordedAt time.Time) error {
	_, err := m.pool.Exec(ctx, `INSERT INTO equity_points (value, recorded_at) VALUES ($1, $2)`, value, recordedAt)
	return err
}

// HealthCheck pings the pool.
func (m *Mirror) HealthCheck(ctx context.Context) error {
	return m.pool.Ping(ctx)
}
