// Package workerpool provides a bounded, reusable worker pool. Its only
// consumer is internal/aggregator's WriteJSONFamiliesParallel, which submits
// one task per JSON family; the codec encodes records on the caller's
// goroutine and does not use the pool.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work submitted to the pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
	Created time.Time
}

// Worker pulls tasks off its own channel until told to quit.
type Worker struct {
	ID       int
	pool     *WorkerPool
	taskChan chan Task
	quit     chan bool
	active   int64
	logger   *logrus.Logger
}

// WorkerPool manages a fixed set of reusable workers.
type WorkerPool struct {
	workers   []*Worker
	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logrus.Logger
	config    WorkerPoolConfig

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64

	isRunning bool
	mutex     sync.RWMutex
}

// WorkerPoolConfig sizes and times out a pool.
type WorkerPoolConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	QueueSize       int           `yaml:"queue_size"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NewWorkerPool creates a pool. MaxWorkers defaults to runtime.NumCPU();
// no upper cap is applied to the default or to a configured value.
func NewWorkerPool(config WorkerPoolConfig, logger *logrus.Logger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.WorkerTimeout == 0 {
		config.WorkerTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		config:    config,
		workers:   make([]*Worker, 0, config.MaxWorkers),
	}

	for i := 0; i < config.MaxWorkers; i++ {
		pool.workers = append(pool.workers, &Worker{
			ID:       i,
			pool:     pool,
			taskChan: make(chan Task, 1),
			quit:     make(chan bool),
			logger:   logger,
		})
	}

	return pool
}

// Start launches every worker plus the dispatcher goroutine.
func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if wp.isRunning {
		return nil
	}

	wp.logger.WithFields(logrus.Fields{
		"max_workers": wp.config.MaxWorkers,
		"queue_size":  wp.config.QueueSize,
	}).Info("starting worker pool")

	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go worker.start()
	}

	wp.wg.Add(1)
	go wp.dispatcher()

	wp.isRunning = true
	return nil
}

// Stop cancels the pool's context and waits (up to ShutdownTimeout) for
// every worker to drain its current task.
func (wp *WorkerPool) Stop() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()

	if !wp.isRunning {
		return nil
	}

	wp.logger.Info("stopping worker pool")
	wp.cancel()
	for _, worker := range wp.workers {
		close(worker.quit)
	}

	done := make(chan bool)
	go func() {
		wp.wg.Wait()
		done <- true
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped gracefully")
	case <-time.After(wp.config.ShutdownTimeout):
		wp.logger.Warn("worker pool shutdown timeout")
	}

	wp.isRunning = false
	return nil
}

// SubmitTask enqueues task, failing fast if the queue is full rather than
// blocking the caller (C7/C8 callers have a bounded amount of work and
// would rather know the pool is saturated than stall silently).
func (wp *WorkerPool) SubmitTask(task Task) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrQueueFull
	}
}

// SubmitTaskWithTimeout is SubmitTask but blocks up to timeout instead of
// failing immediately when the queue is momentarily full.
func (wp *WorkerPool) SubmitTaskWithTimeout(task Task, timeout time.Duration) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}

	task.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- task:
		return nil
	case <-time.After(timeout):
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrTimeout
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	}
}

// GetStats returns a point-in-time view of pool utilization.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	return WorkerPoolStats{
		MaxWorkers:     wp.config.MaxWorkers,
		ActiveWorkers:  wp.getActiveWorkers(),
		QueuedTasks:    len(wp.taskQueue),
		QueueSize:      wp.config.QueueSize,
		TotalTasks:     atomic.LoadInt64(&wp.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&wp.activeTasks),
		CompletedTasks: atomic.LoadInt64(&wp.completedTasks),
		FailedTasks:    atomic.LoadInt64(&wp.failedTasks),
		IsRunning:      wp.isRunning,
	}
}

func (wp *WorkerPool) dispatcher() {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			wp.assignTaskToWorker(task)
		case <-wp.ctx.Done():
			wp.logger.Info("worker pool dispatcher stopping")
			return
		}
	}
}

// assignTaskToWorker scans the workers in order, starting from worker 0
// every time, for an idle worker channel, falling back to a blocking send on worker 0 if every worker is
// momentarily busy.
func (wp *WorkerPool) assignTaskToWorker(task Task) {
	for _, worker := range wp.workers {
		select {
		case worker.taskChan <- task:
			return
		default:
			continue
		}
	}

	select {
	case wp.workers[0].taskChan <- task:
		return
	case <-wp.ctx.Done():
		atomic.AddInt64(&wp.failedTasks, 1)
		return
	}
}

func (wp *WorkerPool) getActiveWorkers() int {
	active := 0
	for _, worker := range wp.workers {
		if atomic.LoadInt64(&worker.active) > 0 {
			active++
		}
	}
	return active
}

func (w *Worker) start() {
	defer w.pool.wg.Done()

	w.pool.logger.WithField("worker_id", w.ID).Debug("worker started")

	for {
		select {
		case task := <-w.taskChan:
			w.executeTask(task)
		case <-w.quit:
			w.pool.logger.WithField("worker_id", w.ID).Debug("worker stopping")
			return
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *Worker) executeTask(task Task) {
	atomic.StoreInt64(&w.active, 1)
	atomic.AddInt64(&w.pool.activeTasks, 1)
	defer func() {
		atomic.StoreInt64(&w.active, 0)
		atomic.AddInt64(&w.pool.activeTasks, -1)
	}()

	startTime := time.Now()
	taskCtx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.WorkerTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	duration := time.Since(startTime)

	if err != nil {
		atomic.AddInt64(&w.pool.failedTasks, 1)
		w.logger.WithFields(logrus.Fields{
			"worker_id": w.ID,
			"task_id":   task.ID,
			"duration":  duration,
			"error":     err,
		}).Error("task execution failed")
		return
	}
	atomic.AddInt64(&w.pool.completedTasks, 1)
	w.logger.WithFields(logrus.Fields{
		"worker_id": w.ID,
		"task_id":   task.ID,
		"duration":  duration,
	}).Debug("task completed successfully")
}

// WorkerPoolStats is GetStats' return shape.
type WorkerPoolStats struct {
	MaxWorkers     int   `json:"max_workers"`
	ActiveWorkers  int   `json:"active_workers"`
	QueuedTasks    int   `json:"queued_tasks"`
	QueueSize      int   `json:"queue_size"`
	TotalTasks     int64 `json:"total_tasks"`
	ActiveTasks    int64 `json:"active_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	IsRunning      bool  `json:"is_running"`
}

var (
	ErrPoolNotRunning = fmt.Errorf("worker pool is not running")
	ErrQueueFull      = fmt.Errorf("task queue is full")
	ErrTimeout        = fmt.Errorf("task submission timeout")
)
