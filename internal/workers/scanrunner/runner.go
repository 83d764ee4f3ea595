package scanrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go after Shutdown has begun.
var ErrClosed = errors.New("runner is shut down")

// Task is the work owned by one unit. It must return once ctx is done.
type Task func(ctx context.Context)

// Runner supervises one goroutine per submitted task. At most concurrency
// tasks hold a slot at a time; the rest wait for one without blocking Go.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64
	running atomic.Int64
}

// New creates a Runner. concurrency below 1 is treated as 1.
func New(concurrency int, logger *slog.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		logger: logger,
	}
}

// Go starts task in its own goroutine and returns immediately. The task's
// context is cancelled by Shutdown. If Shutdown happens before a slot frees
// up, the task still runs, with an already cancelled context, so it can
// record its own failure.
func (r *Runner) Go(name string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.pending.Add(1)
	r.wg.Go(func() {
		acquired := r.sem.Acquire(r.ctx, 1) == nil
		if acquired {
			defer r.sem.Release(1)
		}
		// Count as running before leaving pending so Stats never reports
		// an outstanding task as gone.
		r.running.Add(1)
		r.pending.Add(-1)
		defer r.running.Add(-1)
		r.run(name, task)
	})
	return nil
}

func (r *Runner) run(name string, task Task) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", "task", name, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
		}
	}()
	task(r.ctx)
}

// Stats reports tasks waiting for a slot and tasks currently running. Both
// are zero once every submitted task has returned.
func (r *Runner) Stats() (pending, running int64) {
	return r.pending.Load(), r.running.Load()
}

// Shutdown stops accepting tasks, cancels the running ones and waits for all
// of them to return or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scan tasks: %w", ctx.Err())
	}
}
