package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/ledger"
	"github.com/atlas-desktop/ruinlab/internal/sample"
	"github.com/atlas-desktop/ruinlab/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixtureTrades() []types.Trade {
	d := decimal.RequireFromString
	return []types.Trade{
		{OpenedAt: epoch.Add(2 * time.Hour), PnL: d("-0.0148"), Invested: d("0.015"), ExitReason: "rug_pull", BotVersion: "v2"},
		{OpenedAt: epoch, PnL: d("0.003"), Invested: d("0.015"), ExitReason: "take_profit", BotVersion: "v1"},
		{OpenedAt: epoch.Add(time.Hour), PnL: d("-0.0005"), Invested: d("0.01"), ExitReason: "stop_loss", BotVersion: "v1"},
		{OpenedAt: epoch.Add(3 * time.Hour), PnL: d("0"), Invested: d("0"), ExitReason: "dust_skip", BotVersion: "v2"},
	}
}

func checkLedger(t *testing.T, l ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, fixtureTrades()))

	all, err := l.Trades(ctx, ledger.Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].OpenedAt.Before(all[i-1].OpenedAt), "trades not ordered by open time")
	}
	assert.Equal(t, "take_profit", all[0].ExitReason)
	assert.True(t, all[0].OpenedAt.Equal(epoch))
	assert.True(t, all[1].PnL.Equal(decimal.RequireFromString("-0.0005")))
	assert.NotZero(t, all[0].ID)

	v1, err := l.Trades(ctx, ledger.Query{BotVersions: []string{"v1"}})
	require.NoError(t, err)
	assert.Len(t, v1, 2)

	window, err := l.Trades(ctx, ledger.Query{Since: epoch.Add(time.Hour), Until: epoch.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "stop_loss", window[0].ExitReason)

	s, err := sample.FromTrades(all)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.InDelta(t, 0.2, s.At(0), 1e-9)
	assert.InDelta(t, -0.05, s.At(1), 1e-9)
	assert.InDelta(t, -0.0148/0.015, s.At(2), 1e-9)
}

func TestSQLiteLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	l, err := ledger.Open(context.Background(), zap.NewNop(), "sqlite://"+path)
	require.NoError(t, err)
	defer l.Close()

	checkLedger(t, l)
}

func TestFileLedgerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trades.json")
	l, err := ledger.Open(context.Background(), zap.NewNop(), path)
	require.NoError(t, err)

	checkLedger(t, l)
	require.NoError(t, l.Close())

	reopened, err := ledger.NewFile(zap.NewNop(), path)
	require.NoError(t, err)
	trades, err := reopened.Trades(context.Background(), ledger.Query{})
	require.NoError(t, err)
	assert.Len(t, trades, 4)

	require.NoError(t, reopened.Append(context.Background(), fixtureTrades()[:1]))
	trades, err = reopened.Trades(context.Background(), ledger.Query{})
	require.NoError(t, err)
	require.Len(t, trades, 5)
	var maxID int64
	for _, tr := range trades {
		if tr.ID > maxID {
			maxID = tr.ID
		}
	}
	assert.Equal(t, int64(5), maxID)
}

func TestConstructorsAcceptNilLogger(t *testing.T) {
	dir := t.TempDir()

	db, err := ledger.NewSQLite(nil, filepath.Join(dir, "bot.db"))
	require.NoError(t, err)
	defer db.Close()
	checkLedger(t, db)

	f, err := ledger.NewFile(nil, filepath.Join(dir, "trades.json"))
	require.NoError(t, err)
	defer f.Close()
	checkLedger(t, f)
}

// TestPostgresLedger needs an empty database.
func TestPostgresLedger(t *testing.T) {
	dsn := os.Getenv("RUINLAB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RUINLAB_TEST_POSTGRES_DSN not set")
	}

	l, err := ledger.Open(context.Background(), zap.NewNop(), dsn)
	require.NoError(t, err)
	defer l.Close()

	checkLedger(t, l)
}

func TestOpenRejectsUnknownDSN(t *testing.T) {
	_, err := ledger.Open(context.Background(), zap.NewNop(), "mysql://localhost/bot")
	assert.ErrorIs(t, err, ledger.ErrUnsupportedDSN)
}
