// Package ledger reads closed trades from a persisted trade ledger. Three
// backends are supported: SQLite, PostgreSQL and a JSON file.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"go.uber.org/zap"
)

// ErrUnsupportedDSN is returned by Open for an unrecognised DSN.
var ErrUnsupportedDSN = errors.New("ledger: unsupported dsn")

// Ledger is a source of closed trades.
type Ledger interface {
	// Trades returns closed trades matching q, ordered by open time.
	Trades(ctx context.Context, q Query) ([]types.Trade, error)
	// Append stores trades. IDs are assigned by the backend.
	Append(ctx context.Context, trades []types.Trade) error
	Close() error
}

// Query narrows the trades returned by a ledger. Zero fields match all.
type Query struct {
	Since       time.Time `json:"since,omitempty" mapstructure:"since"`
	Until       time.Time `json:"until,omitempty" mapstructure:"until"`
	BotVersions []string  `json:"botVersions,omitempty" mapstructure:"bot_versions"`
}

// Match reports whether t satisfies the query.
func (q Query) Match(t types.Trade) bool {
	if !q.Since.IsZero() && t.OpenedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.OpenedAt.Before(q.Until) {
		return false
	}
	if len(q.BotVersions) > 0 {
		for _, v := range q.BotVersions {
			if v == t.BotVersion {
				return true
			}
		}
		return false
	}
	return true
}

// Open opens a ledger by DSN:
//
//	sqlite://path/to/bot.db, or any path ending in .db / .sqlite
//	postgres://... or postgresql://...
//	json://path/to/trades.json, or any path ending in .json
func Open(ctx context.Context, logger *zap.Logger, dsn string) (Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, logger, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(logger, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "json://"):
		return NewFile(logger, strings.TrimPrefix(dsn, "json://"))
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return NewSQLite(logger, dsn)
	case strings.HasSuffix(dsn, ".json"):
		return NewFile(logger, dsn)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDSN, dsn)
}

func sortByOpenTime(trades []types.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].OpenedAt.Before(trades[j].OpenedAt)
	})
}
