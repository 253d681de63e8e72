package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work. TenantID is mandatory: ambient
// bindings do not cross into the worker goroutines.
type Task struct {
	TenantID string
	Name     string
	Run      func(ctx context.Context) error
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	BufferSize  int
	WorkerCount int
	TaskTimeout time.Duration
}

// DefaultDispatcherConfig returns the default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:  1000,
		WorkerCount: 4,
		TaskTimeout: 10 * time.Second,
	}
}

// Dispatcher runs tenant-scoped tasks on a bounded worker pool. Each task
// executes with its own Holder bound to the task's tenant.
type Dispatcher struct {
	logger      *zap.Logger
	tasks       chan Task
	workerCount int
	bufferSize  int
	timeout     time.Duration
	wg          sync.WaitGroup
	mu          sync.Mutex
	started     bool
	stopped     bool
}

// NewDispatcher creates a Dispatcher. Call Start before submitting.
func NewDispatcher(logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultDispatcherConfig().WorkerCount
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultDispatcherConfig().TaskTimeout
	}
	return &Dispatcher{
		logger:      logger,
		tasks:       make(chan Task, cfg.BufferSize),
		workerCount: cfg.WorkerCount,
		bufferSize:  cfg.BufferSize,
		timeout:     cfg.TaskTimeout,
	}
}

// Start starts the background workers
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("tenant dispatcher already started")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started tenant dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize))
	return nil
}

// Stop closes the queue and waits for queued tasks to finish.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("tenant dispatcher not running")
	}
	d.stopped = true
	close(d.tasks)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("tenant dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("tenant dispatcher stop timeout after %v", timeout)
	}
}

// Submit queues task without blocking. A task without a tenant id is
// rejected with a *ContextError before anything is queued.
func (d *Dispatcher) Submit(task Task) error {
	if task.TenantID == "" {
		return &ContextError{Op: "submit " + task.Name, Err: ErrMissingTenant}
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no Run function", task.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return fmt.Errorf("tenant dispatcher not running")
	}

	select {
	case d.tasks <- task:
		return nil
	default:
		d.logger.Warn("tenant task queue full, dropping task",
			zap.String("task", task.Name),
			zap.String("tenant_id", task.TenantID))
		return fmt.Errorf("tenant task queue full")
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for task := range d.tasks {
		if err := d.run(task); err != nil {
			d.logger.Error("tenant task failed",
				zap.Int("worker_id", id),
				zap.String("task", task.Name),
				zap.String("tenant_id", task.TenantID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) run(task Task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	h := NewHolder()
	ctx = WithHolder(ctx, h)

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint("panic: ", r))
		}
	}()

	return RunInScope(h, task.TenantID, func() error {
		return task.Run(ctx)
	})
}
