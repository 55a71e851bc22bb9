// Package workers provides a bounded worker pool for evaluating many
// instruments in parallel.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Timeout for individual tasks
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		TaskTimeout:     5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolConfigFrom adapts the engine worker settings.
func PoolConfigFrom(name string, cfg types.WorkerConfig) *PoolConfig {
	pc := DefaultPoolConfig(name)
	if cfg.NumWorkers > 0 {
		pc.NumWorkers = cfg.NumWorkers
	}
	if cfg.QueueSize > 0 {
		pc.QueueSize = cfg.QueueSize
	}
	if cfg.TaskTimeout > 0 {
		pc.TaskTimeout = cfg.TaskTimeout
	}
	return pc
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TasksTimeout   int64         `json:"tasks_timeout"`
	PanicRecovered int64         `json:"panic_recovered"`
	AvgLatency     time.Duration `json:"avg_latency"`
	Uptime         time.Duration `json:"uptime"`
}

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	// submitMu orders submissions against Stop so nothing is queued after the drain.
	submitMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted, completed, failed, timedOut, panics atomic.Int64
	latencyNs                                      atomic.Int64
	startTime                                      time.Time
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Start starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) run(logger *zap.Logger) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			if p.ctx.Err() != nil {
				abandon(task)
				return
			}
			p.execute(logger, task)
		}
	}
}

// execute runs a task with a timeout and panic recovery.
func (p *Pool) execute(logger *zap.Logger, task Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("Worker recovered from panic", zap.Any("panic", r))
				done <- &PanicError{Recovered: r}
			}
		}()
		done <- task.Execute(ctx)
	}()

	select {
	case err := <-done:
		p.latencyNs.Add(time.Since(start).Nanoseconds())
		if err != nil {
			p.failed.Add(1)
			logger.Debug("Task failed", zap.Error(err))
			return
		}
		p.completed.Add(1)
	case <-ctx.Done():
		p.timedOut.Add(1)
		logger.Warn("Task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit adds a task to the queue without blocking.
func (p *Pool) Submit(task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait adds a task to the queue, waiting for space until ctx is done or
// the pool stops.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// batchTask is a RunAll entry. Exactly one of Execute or abandon runs.
type batchTask struct {
	run     TaskFunc
	release func(error)
}

func (b *batchTask) Execute(ctx context.Context) error { return b.run(ctx) }

func (b *batchTask) abandon(err error) { b.release(err) }

// abandon releases a task that was queued but will never run.
func abandon(task Task) {
	if b, ok := task.(*batchTask); ok {
		b.abandon(ErrPoolStopped)
	}
}

// RunAll queues every task, waiting for queue space when the pool is busy,
// and waits for all of them. The returned errors line up with tasks; a task
// that could not be queued or was dropped by Stop reports that error and a
// panicking task reports a PanicError.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		bt := &batchTask{
			run: func(taskCtx context.Context) (err error) {
				defer func() {
					if r := recover(); r != nil {
						p.panics.Add(1)
						errs[i] = &PanicError{Recovered: r}
						err = errs[i]
					}
					wg.Done()
				}()
				if err := ctx.Err(); err != nil {
					errs[i] = err
					return err
				}
				errs[i] = task.Execute(taskCtx)
				return errs[i]
			},
			release: func(err error) {
				errs[i] = err
				wg.Done()
			},
		}
		if err := p.SubmitWait(ctx, bt); err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()
	return errs
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.logger.Info("Stopping worker pool", zap.String("name", p.config.Name))
	p.cancel()

	// Wait out in-flight submissions, then release whatever is still queued.
	p.submitMu.Lock()
	p.submitMu.Unlock()
	p.drain()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.String("name", p.config.Name),
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.taskQueue:
			abandon(task)
		default:
			return
		}
	}
}

// QueueLength returns the current number of queued tasks
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	finished := p.completed.Load() + p.failed.Load()
	var avg time.Duration
	if finished > 0 {
		avg = time.Duration(p.latencyNs.Load() / finished)
	}
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		PanicRecovered: p.panics.Load(),
		AvgLatency:     avg,
		Uptime:         time.Since(p.startTime),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
