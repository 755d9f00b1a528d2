package workers_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPool(t *testing.T, n, minChunk int) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("test")
	cfg.NumWorkers = n
	cfg.MinChunk = minChunk
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func TestParallelForCoversEveryIndexOnce(t *testing.T) {
	pool := newPool(t, 4, 3)

	hits := make([]int, 1001)
	require.NoError(t, pool.ParallelFor(len(hits), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			hits[i]++
		}
	}))

	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
	assert.Greater(t, pool.Stats().TasksSubmitted, int64(1))
}

func TestParallelForInlineWithoutPool(t *testing.T) {
	var pool *workers.Pool
	calls := 0
	require.NoError(t, pool.ParallelFor(10, func(lo, hi int) {
		calls++
		assert.Equal(t, 0, lo)
		assert.Equal(t, 10, hi)
	}))
	assert.Equal(t, 1, calls)
}

func TestParallelForReportsPanics(t *testing.T) {
	pool := newPool(t, 2, 1)

	err := pool.ParallelFor(8, func(lo, hi int) {
		if lo == 0 {
			panic("boom")
		}
	})
	var pe *workers.PanicError
	assert.ErrorAs(t, err, &pe)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), workers.DefaultPoolConfig("stopped"))
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(workers.TaskFunc(func() error { return nil })), workers.ErrPoolStopped)
}

func TestParallelForFinishesWhileWorkersAreBusy(t *testing.T) {
	cfg := workers.DefaultPoolConfig("busy")
	cfg.NumWorkers = 2
	cfg.MinChunk = 1
	cfg.QueueSize = 16
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()

	gate := make(chan struct{})
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(workers.TaskFunc(func() error {
			<-gate
			return nil
		})))
	}

	var visited atomic.Int64
	done := make(chan error, 1)
	go func() {
		done <- pool.ParallelFor(100, func(lo, hi int) {
			visited.Add(int64(hi - lo))
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ParallelFor blocked on busy workers")
	}
	assert.Equal(t, int64(100), visited.Load())

	close(gate)
	require.NoError(t, pool.Stop())
}

func TestParallelForSurvivesConcurrentStop(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		cfg := workers.DefaultPoolConfig("stopping")
		cfg.NumWorkers = 4
		cfg.MinChunk = 1
		cfg.QueueSize = 1
		pool := workers.NewPool(zap.NewNop(), cfg)
		pool.Start()

		var visited atomic.Int64
		done := make(chan error, 1)
		go func() {
			done <- pool.ParallelFor(1000, func(lo, hi int) {
				visited.Add(int64(hi - lo))
			})
		}()
		go func() { _ = pool.Stop() }()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("trial %d: ParallelFor hung after Stop", trial)
		}
		assert.Equal(t, int64(1000), visited.Load(), "trial %d", trial)
	}
}
