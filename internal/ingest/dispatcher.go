package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/portfolio-ingest/internal/observability"
)

// Task is one fire-and-forget side effect.
type Task struct {
	Name   string
	Run    func(ctx context.Context) error
	Fields []zap.Field
}

type queued struct {
	id   string
	ctx  context.Context
	task Task
}

// Dispatcher runs side effects on a fixed worker pool fed by a bounded queue.
// Tasks are detached from the dispatching request's cancellation but keep its
// values, and each runs under its own timeout.
type Dispatcher struct {
	queue       chan queued
	workers     int
	taskTimeout time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, queueMaxSize, workers int, taskTimeout time.Duration) *Dispatcher {
	if queueMaxSize <= 0 {
		queueMaxSize = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       make(chan queued, queueMaxSize),
		workers:     workers,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Dispatch enqueues t without blocking. It returns false, after logging, when
// the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Dispatch(ctx context.Context, t Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("side effect dropped: dispatcher stopped",
			zap.String("task", t.Name), observability.RequestField(ctx))
		return false
	}

	select {
	case d.queue <- queued{id: uuid.NewString(), ctx: context.WithoutCancel(ctx), task: t}:
		return true
	default:
		d.logger.Warn("side effect dropped: queue full",
			zap.String("task", t.Name), observability.RequestField(ctx))
		return false
	}
}

// Stop refuses new tasks and waits for queued ones to finish or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for q := range d.queue {
		d.run(q)
	}
}

func (d *Dispatcher) run(q queued) {
	ctx, cancel := context.WithTimeout(q.ctx, d.taskTimeout)
	defer cancel()

	fields := append([]zap.Field{zap.String("task_id", q.id), observability.RequestField(q.ctx)}, q.task.Fields...)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(q.task.Name+" panicked", append(fields, zap.Any("panic", r))...)
		}
	}()

	if err := q.task.Run(ctx); err != nil {
		d.logger.Error(q.task.Name+" failed", append(fields, zap.Error(err))...)
	}
}
