// Package workers provides a fixed goroutine pool for data-parallel work
// over contiguous index ranges.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	MinChunk        int           // Smallest index range worth a separate task
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns one worker per CPU, suited to CPU-bound work.
func DefaultPoolConfig(name string) *PoolConfig {
	numCPU := runtime.NumCPU()
	return &PoolConfig{
		Name:            name,
		NumWorkers:      numCPU,
		QueueSize:       numCPU * 4,
		MinChunk:        1024,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolMetrics tracks pool activity
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	PanicRecovered atomic.Int64

	startTime time.Time
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	PanicRecovered int64         `json:"panic_recovered"`
	Uptime         time.Duration `json:"uptime"`
}

// NewPool creates a new worker pool. Call Start before submitting work.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.MinChunk < 1 {
		config.MinChunk = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		metrics:   &PoolMetrics{startTime: time.Now()},
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return // Already running
	}

	p.logger.Info("starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case task := <-p.taskQueue:
			p.execute(task)
		}
	}
}

// drain runs whatever was queued before the pool stopped.
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			p.execute(task)
		default:
			return
		}
	}
}

func (p *Pool) execute(task Task) {
	var err error
	func() {
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.metrics.PanicRecovered.Add(1)
					p.logger.Error("worker recovered from panic", zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
			}()
		}
		err = task.Execute()
	}()

	if err != nil {
		p.metrics.TasksFailed.Add(1)
		p.logger.Debug("task failed", zap.Error(err))
		return
	}
	p.metrics.TasksCompleted.Add(1)
}

// Submit adds a task to the queue, blocking while the queue is full.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each chunk
// concurrently, returning once every chunk has finished. Chunks never
// overlap, so fn may write to its own index range without synchronization.
// When the pool is nil or not running, fn runs inline over the whole range.
//
// The caller runs every chunk no worker has claimed by the time submission
// ends, so a pool stopped mid-call still completes the range.
func (p *Pool) ParallelFor(n int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	if p == nil || !p.running.Load() {
		fn(0, n)
		return nil
	}

	count := p.config.NumWorkers
	if maxChunks := (n + p.config.MinChunk - 1) / p.config.MinChunk; count > maxChunks {
		count = maxChunks
	}
	if count <= 1 {
		fn(0, n)
		return nil
	}

	size := (n + count - 1) / count
	var chunks []chunk
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		chunks = append(chunks, chunk{lo: lo, hi: hi})
	}

	var wg sync.WaitGroup
	var firstErr atomic.Pointer[error]
	wg.Add(len(chunks))

	run := func(c *chunk) (err error) {
		if !c.claimed.CompareAndSwap(false, true) {
			return nil
		}
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Recovered: r}
			}
			if err != nil {
				firstErr.CompareAndSwap(nil, &err)
			}
		}()
		fn(c.lo, c.hi)
		return nil
	}

	for i := range chunks {
		c := &chunks[i]
		if err := p.Submit(TaskFunc(func() error { return run(c) })); err != nil {
			p.logger.Debug("running remaining chunks inline", zap.String("name", p.config.Name), zap.Error(err))
			break
		}
	}
	for i := range chunks {
		_ = run(&chunks[i])
	}

	wg.Wait()
	if e := firstErr.Load(); e != nil {
		return *e
	}
	return nil
}

// chunk is one index range of a ParallelFor call; whoever claims it first
// runs it.
type chunk struct {
	lo, hi  int
	claimed atomic.Bool
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil // Already stopped
	}

	p.logger.Info("stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p != nil && p.running.Load()
}

// NumWorkers returns the configured worker count.
func (p *Pool) NumWorkers() int {
	if p == nil {
		return 1
	}
	return p.config.NumWorkers
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.metrics.TasksSubmitted.Load(),
		TasksCompleted: p.metrics.TasksCompleted.Load(),
		TasksFailed:    p.metrics.TasksFailed.Load(),
		PanicRecovered: p.metrics.PanicRecovered.Load(),
		Uptime:         time.Since(p.metrics.startTime),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
