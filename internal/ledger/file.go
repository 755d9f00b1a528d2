package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlas-desktop/ruinlab/pkg/types"
	"go.uber.org/zap"
)

// File is a ledger kept as a JSON array of trades, held in memory once read.
type File struct {
	mu     sync.RWMutex
	logger *zap.Logger
	path   string
	trades []types.Trade
	nextID int64
}

// NewFile opens the JSON ledger at path. A missing file is an empty ledger
// and is created on the first Append.
func NewFile(logger *zap.Logger, path string) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{
		logger: logger,
		path:   path,
		nextID: 1,
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	if err := f.load(); err != nil {
		return nil, err
	}

	logger.Info("opened JSON ledger",
		zap.String("path", path),
		zap.Int("trades", len(f.trades)),
	)
	return f, nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	var trades []types.Trade
	if err := json.Unmarshal(data, &trades); err != nil {
		return fmt.Errorf("failed to parse ledger file: %w", err)
	}

	sortByOpenTime(trades)
	f.trades = trades
	for _, t := range trades {
		if t.ID >= f.nextID {
			f.nextID = t.ID + 1
		}
	}
	return nil
}

// Trades returns matching trades with a realised PnL, ordered by open time.
func (f *File) Trades(ctx context.Context, q Query) ([]types.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]types.Trade, 0, len(f.trades))
	for _, t := range f.trades {
		if q.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Append adds trades and rewrites the file.
func (f *File) Append(ctx context.Context, trades []types.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	next := append([]types.Trade(nil), f.trades...)
	id := f.nextID
	for _, t := range trades {
		t.ID = id
		id++
		next = append(next, t)
	}
	sortByOpenTime(next)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}

	f.trades = next
	f.nextID = id
	return nil
}

// Close is a no-op; every Append is already on disk.
func (f *File) Close() error { return nil }
