package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

// waitFor polls cond until it holds or the test deadline of 2s passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// N concurrent callers for one key: the producer runs exactly once and every
// caller sees its value.
func TestCoalescer_SameKeyRunsOnce(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options{})
	var calls atomic.Int64
	release := make(chan struct{})
	producer := func() (string, error) {
		calls.Add(1)
		<-release
		return "v:k", nil
	}

	const N = 32
	var g errgroup.Group
	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, err := c.Run(context.Background(), "k", producer)
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	waitFor(t, "all callers to join", func() bool { return c.waiters("k") == N })
	close(release)

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("producer must run exactly once, got %d", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("key must leave the pending set, Pending=%d", c.Pending())
	}
}

func TestCoalescer_FailurePropagatesToAllWaiters(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{})
	boom := errors.New("upstream down")
	release := make(chan struct{})
	var calls atomic.Int64

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Run(context.Background(), "k", func() (int, error) {
				calls.Add(1)
				<-release
				return 0, boom
			})
			errs <- err
		}()
	}
	waitFor(t, "both callers", func() bool { return c.waiters("k") == 2 })
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, boom) {
			t.Fatalf("caller %d: want %v, got %v", i, boom, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("no retry expected, producer ran %d times", calls.Load())
	}

	// A settled key is not cached: the next Run executes again.
	v, err := c.Run(context.Background(), "k", func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("fresh run: v=%d err=%v", v, err)
	}
}

// With one worker, distinct keys start in enqueue order, and each key is
// gone from the pending set before the next task starts.
func TestCoalescer_SingleWorkerFIFO(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options{Workers: 1})
	release := make(chan struct{})

	var mu sync.Mutex
	var order []string
	var leaked []string
	mk := func(key, prev string) func() (string, error) {
		return func() (string, error) {
			mu.Lock()
			order = append(order, key)
			if prev != "" && c.waiters(prev) != 0 {
				leaked = append(leaked, prev)
			}
			mu.Unlock()
			if key == "a" {
				<-release
			}
			return key, nil
		}
	}

	var g errgroup.Group
	g.Go(func() error { _, err := c.Run(context.Background(), "a", mk("a", "")); return err })
	waitFor(t, "a to start", func() bool { return c.QueueLen() == 0 && c.Pending() == 1 })

	g.Go(func() error { _, err := c.Run(context.Background(), "b", mk("b", "a")); return err })
	waitFor(t, "b queued", func() bool { return c.QueueLen() == 1 })
	g.Go(func() error { _, err := c.Run(context.Background(), "c", mk("c", "b")); return err })
	waitFor(t, "c queued", func() bool { return c.QueueLen() == 2 })

	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, order); diff != "" {
		t.Fatalf("start order mismatch (-want +got):\n%s", diff)
	}
	if len(leaked) != 0 {
		t.Fatalf("keys still pending when the next task started: %v", leaked)
	}
}

// Two workers let independent keys overlap: each producer waits for the
// other to start.
func TestCoalescer_WorkersRunInParallel(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{Workers: 2})
	var barrier sync.WaitGroup
	barrier.Add(2)
	producer := func() (int, error) {
		barrier.Done()
		barrier.Wait()
		return 1, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range []string{"x", "y"} {
		k := k
		g.Go(func() error { _, err := c.Run(ctx, k, producer); return err })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("parallel producers did not overlap: %v", err)
	}
}

func TestCoalescer_PanicBecomesError(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{})
	_, err := c.Run(context.Background(), "p", func() (int, error) { panic("kaboom") })
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("want ErrPanic, got %v", err)
	}
	// The worker survives.
	if v, err := c.Run(context.Background(), "q", func() (int, error) { return 1, nil }); err != nil || v != 1 {
		t.Fatalf("after panic: v=%d err=%v", v, err)
	}
}

// A waiter's ctx only ends its own wait; the producer result still reaches
// the leader.
func TestCoalescer_WaiterContextCancel(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{})
	release := make(chan struct{})
	leader := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background(), "k", func() (int, error) { <-release; return 5, nil })
		leader <- err
	}()
	waitFor(t, "leader", func() bool { return c.waiters("k") == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Run(ctx, "k", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter: want context.Canceled, got %v", err)
	}

	close(release)
	if err := <-leader; err != nil {
		t.Fatalf("leader: %v", err)
	}
}

func TestCoalescer_ShutdownDrains(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{})
	release := make(chan struct{})
	res := make(chan int, 1)
	go func() {
		v, _ := c.Run(context.Background(), "k", func() (int, error) { <-release; return 9, nil })
		res <- v
	}()
	waitFor(t, "task", func() bool { return c.Pending() == 1 })

	shutdown := make(chan error, 1)
	go func() { shutdown <- c.Shutdown(context.Background()) }()

	waitFor(t, "closed flag", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed
	})
	if _, err := c.Run(context.Background(), "other", func() (int, error) { return 0, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run after Shutdown: want ErrClosed, got %v", err)
	}

	close(release)
	if err := <-shutdown; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if v := <-res; v != 9 {
		t.Fatalf("in-flight task must finish during drain, got %d", v)
	}
}

func TestCoalescer_ShutdownGraceExpires(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	go func() {
		_, _ = c.Run(context.Background(), "stuck", func() (int, error) { <-release; return 0, nil })
	}()
	waitFor(t, "task", func() bool { return c.Pending() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

// waiters reports how many callers share the in-flight call for key.
func (c *Coalescer[K, V]) waiters(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.pending[key]; ok {
		return cl.waiters
	}
	return 0
}
