package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Postgres reads the positions table from PostgreSQL. Amounts are NUMERIC
// and travel as text so no precision is lost on the way to decimal.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects to dsn and ensures the positions table exists.
func NewPostgres(ctx context.Context, logger *zap.Logger, dsn string) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("opened PostgreSQL ledger", zap.String("database", config.ConnConfig.Database))
	return p, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			opened_at TIMESTAMPTZ NOT NULL,
			pnl_sol NUMERIC,
			sol_invested NUMERIC NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT '',
			bot_version TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions(opened_at);
	`)
	return err
}

// Trades returns closed positions, those with a realised PnL.
func (p *Postgres) Trades(ctx context.Context, q Query) ([]types.Trade, error) {
	query := `
		SELECT id, opened_at, pnl_sol::text, sol_invested::text, exit_reason, bot_version
		FROM positions
		WHERE pnl_sol IS NOT NULL
		  AND ($1::timestamptz IS NULL OR opened_at >= $1)
		  AND ($2::timestamptz IS NULL OR opened_at < $2)
		  AND (cardinality($3::text[]) = 0 OR bot_version = ANY($3))
		ORDER BY opened_at, id
	`

	rows, err := p.pool.Query(ctx, query, nullTime(q.Since), nullTime(q.Until), versions(q.BotVersions))
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}

	trades, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Trade, error) {
		var (
			t             types.Trade
			pnl, invested string
		)
		err := row.Scan(&t.ID, &t.OpenedAt, &pnl, &invested, &t.ExitReason, &t.BotVersion)
		if err != nil {
			return types.Trade{}, err
		}
		if t.PnL, err = decimal.NewFromString(pnl); err != nil {
			return types.Trade{}, fmt.Errorf("parse pnl of position %d: %w", t.ID, err)
		}
		if t.Invested, err = decimal.NewFromString(invested); err != nil {
			return types.Trade{}, fmt.Errorf("parse invested of position %d: %w", t.ID, err)
		}
		t.OpenedAt = t.OpenedAt.UTC()
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect positions: %w", err)
	}

	p.logger.Debug("loaded trades from PostgreSQL", zap.Int("count", len(trades)))
	return trades, nil
}

// Append inserts trades atomically.
func (p *Postgres) Append(ctx context.Context, trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO positions (opened_at, pnl_sol, sol_invested, exit_reason, bot_version)
			VALUES ($1, $2::numeric, $3::numeric, $4, $5)`,
			t.OpenedAt, t.PnL.String(), t.Invested.String(), t.ExitReason, t.BotVersion,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func versions(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
