package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SQLite reads the positions table of a bot database.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
	path   string
}

// NewSQLite opens (creating if needed) the SQLite ledger at path.
func NewSQLite(logger *zap.Logger, path string) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLite{db: db, logger: logger, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("opened SQLite ledger", zap.String("path", path))
	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate creates the positions table when absent. Existing bot databases
// already carry it with more columns; only these are read.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		opened_at INTEGER NOT NULL,
		pnl_sol REAL,
		sol_invested REAL NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		bot_version TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_positions_opened ON positions(opened_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Trades returns closed positions, those with a realised PnL.
func (s *SQLite) Trades(ctx context.Context, q Query) ([]types.Trade, error) {
	query := `
		SELECT id, opened_at, pnl_sol, COALESCE(sol_invested, 0),
		       COALESCE(exit_reason, ''), COALESCE(bot_version, '')
		FROM positions
		WHERE pnl_sol IS NOT NULL`
	var args []any

	if !q.Since.IsZero() {
		query += " AND opened_at >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		query += " AND opened_at < ?"
		args = append(args, q.Until.UnixMilli())
	}
	if len(q.BotVersions) > 0 {
		query += " AND bot_version IN (?" + strings.Repeat(", ?", len(q.BotVersions)-1) + ")"
		for _, v := range q.BotVersions {
			args = append(args, v)
		}
	}
	query += " ORDER BY opened_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var trades []types.Trade
	for rows.Next() {
		var (
			t         types.Trade
			openedAt  int64
			pnl, cost float64
		)
		if err := rows.Scan(&t.ID, &openedAt, &pnl, &cost, &t.ExitReason, &t.BotVersion); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		t.OpenedAt = time.UnixMilli(openedAt).UTC()
		t.PnL = decimal.NewFromFloat(pnl)
		t.Invested = decimal.NewFromFloat(cost)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}

	s.logger.Debug("loaded trades from SQLite", zap.Int("count", len(trades)))
	return trades, nil
}

// Append inserts trades in one transaction.
func (s *SQLite) Append(ctx context.Context, trades []types.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (opened_at, pnl_sol, sol_invested, exit_reason, bot_version)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.OpenedAt.UnixMilli(), t.PnL.InexactFloat64(), t.Invested.InexactFloat64(),
			t.ExitReason, t.BotVersion,
		); err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
