// Package coalesce runs at most one producer per key at a time and hands
// its outcome to every caller that asked for that key meanwhile.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Run after Shutdown has been called.
	ErrClosed = errors.New("coalesce: closed")
	// ErrPanic wraps a panic recovered from a producer.
	ErrPanic = errors.New("coalesce: producer panicked")
)

// Metrics observes coalescer activity.
type Metrics interface {
	// Executed is called once per producer run.
	Executed(d time.Duration, err error)
	// Shared is called for every caller that joined an in-flight key.
	Shared()
}

// NoopMetrics discards coalescer signals.
type NoopMetrics struct{}

func (NoopMetrics) Executed(time.Duration, error) {}
func (NoopMetrics) Shared()                       {}

var _ Metrics = NoopMetrics{}

// Options configures a Coalescer.
type Options struct {
	// Workers is the number of goroutines draining the task queue.
	// Zero => 1, which starts tasks strictly one after another.
	Workers int

	Metrics Metrics
	Logger  *zap.Logger
}

// Coalescer deduplicates concurrent Run calls per key and executes the
// distinct tasks from a FIFO queue.
//
// Concurrency notes:
//   - The first caller for a key enqueues a task; later callers for the same
//     key wait on that task's done channel.
//   - Publishing (val, err) happens-before close(done), so reads after
//     <-done observe the final values.
//   - A key leaves the pending set before its worker picks the next task.
//   - ctx passed to Run bounds only the caller's wait; the producer keeps
//     running and its result still reaches the other waiters.
type Coalescer[K comparable, V any] struct {
	opt Options
	log *zap.Logger

	mu      sync.Mutex
	pending map[K]*call[V]
	queue   []*task[K, V]
	running int
	closed  bool
	wg      sync.WaitGroup
}

type call[V any] struct {
	done    chan struct{} // closed when val/err are published
	val     V
	err     error
	waiters int // callers sharing this call, leader included
}

type task[K comparable, V any] struct {
	key K
	fn  func() (V, error)
	c   *call[V]
}

// New returns a Coalescer. No goroutines run until the first Run.
func New[K comparable, V any](opt Options) *Coalescer[K, V] {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Coalescer[K, V]{
		opt:     opt,
		log:     opt.Logger,
		pending: make(map[K]*call[V]),
	}
}

// Run returns the outcome of fn for key. If a task for key is already queued
// or executing, fn is not called and the caller receives that task's result
// or error instead.
func (c *Coalescer[K, V]) Run(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	var zero V

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	cl, ok := c.pending[key]
	if ok {
		cl.waiters++
		c.mu.Unlock()
		c.opt.Metrics.Shared()
		c.log.Debug("joined in-flight task", zap.Any("key", key))
	} else {
		cl = &call[V]{done: make(chan struct{}), waiters: 1}
		c.pending[key] = cl
		c.queue = append(c.queue, &task[K, V]{key: key, fn: fn, c: cl})
		queued := len(c.queue)
		if c.running < c.opt.Workers {
			c.running++
			c.wg.Add(1)
			go c.drain()
		}
		c.mu.Unlock()
		c.log.Debug("task queued", zap.Any("key", key), zap.Int("queue", queued))
	}

	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// drain executes queued tasks until the queue is empty.
func (c *Coalescer[K, V]) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running--
			c.mu.Unlock()
			return
		}
		t := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		start := time.Now()
		v, err := execute(t.fn)
		elapsed := time.Since(start)

		c.mu.Lock()
		delete(c.pending, t.key)
		c.mu.Unlock()

		t.c.val, t.c.err = v, err
		close(t.c.done)

		c.opt.Metrics.Executed(elapsed, err)
		if err != nil {
			c.log.Warn("task failed", zap.Any("key", t.key), zap.Duration("took", elapsed), zap.Error(err))
		} else {
			c.log.Debug("task completed", zap.Any("key", t.key), zap.Duration("took", elapsed))
		}
	}
}

// execute calls fn, converting a panic into an ErrPanic error so waiters are
// never left blocked.
func execute[V any](fn func() (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// Pending returns the number of keys queued or executing.
func (c *Coalescer[K, V]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// QueueLen returns the number of tasks waiting for a worker.
func (c *Coalescer[K, V]) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Shutdown stops accepting new work and waits for queued and executing tasks
// to finish. If ctx ends first, the remaining tasks are abandoned and
// ctx.Err() is returned.
func (c *Coalescer[K, V]) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	left := len(c.pending)
	c.mu.Unlock()

	c.log.Info("draining coalescer", zap.Int("pending", left))

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.log.Warn("coalescer drain abandoned", zap.Int("pending", c.Pending()))
		return ctx.Err()
	}
}
