package store

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func mustNew[K comparable, V any](t testing.TB, opt Options[K, V]) *Store[K, V] {
	t.Helper()
	s, err := New(opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// checkInvariants walks the list in both directions and verifies the
// map/list bijection and the capacity bound.
func checkInvariants[K comparable, V any](t *testing.T, s *Store[K, V]) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.m) > s.cap {
		t.Fatalf("len %d exceeds capacity %d", len(s.m), s.cap)
	}
	seen := make(map[K]bool, len(s.m))
	var prev *node[K, V]
	for n := s.head; n != nil; n = n.next {
		if n.prev != prev {
			t.Fatalf("broken prev link at %v", n.key)
		}
		if s.m[n.key] != n {
			t.Fatalf("list node %v not indexed by map", n.key)
		}
		if seen[n.key] {
			t.Fatalf("duplicate node %v", n.key)
		}
		seen[n.key] = true
		prev = n
	}
	if prev != s.tail {
		t.Fatal("tail does not match last node")
	}
	if len(seen) != len(s.m) {
		t.Fatalf("list has %d nodes, map has %d", len(seen), len(s.m))
	}
}

func TestStore_InvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []Options[string, int]{
		{Capacity: 0, TTL: time.Second},
		{Capacity: -1, TTL: time.Second},
		{Capacity: 1, TTL: 0},
		{Capacity: 1, TTL: -time.Second},
	}
	for _, opt := range cases {
		if _, err := New(opt); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("New(%+v): want ErrInvalidConfig, got %v", opt, err)
		}
	}
}

// capacity=3: a, b, c, Get(a), d -> b is the LRU and must go.
func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	var evicted []string
	s := mustNew(t, Options[string, int]{
		Capacity: 3,
		TTL:      time.Second,
		OnEvict: func(k string, _ int, r EvictReason) {
			if r == EvictCapacity {
				evicted = append(evicted, k)
			}
		},
	})

	s.Set("a", 1)
	s.Set("b", 2)
	s.Set("c", 3)
	if _, ok := s.Get("a"); !ok {
		t.Fatal("expect hit for a")
	}
	s.Set("d", 4)

	if diff := cmp.Diff([]string{"b"}, evicted); diff != "" {
		t.Fatalf("evicted mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.Get("b"); ok {
		t.Fatal("b must be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := s.Get(k); !ok {
			t.Fatalf("%s must remain retrievable", k)
		}
	}
	checkInvariants(t, s)
}

func TestStore_SetOverwritePromotesAndRefreshesTTL(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := mustNew(t, Options[string, int]{Capacity: 2, TTL: 100 * time.Millisecond, Clock: clk})

	s.Set("a", 1)
	s.Set("b", 2)
	clk.add(80 * time.Millisecond)
	s.Set("a", 11) // a -> MRU, deadline refreshed

	clk.add(50 * time.Millisecond) // b is now stale, a is not
	if v, ok := s.Get("a"); !ok || v != 11 {
		t.Fatalf("Get a want 11, got %v ok=%v", v, ok)
	}
	if _, ok := s.Get("b"); ok {
		t.Fatal("b must be expired")
	}

	s.Set("c", 3)
	s.Set("d", 4) // evicts a (LRU after c)
	if s.Has("a") {
		t.Fatal("a must be evicted after two inserts")
	}
	checkInvariants(t, s)
}

// Uses a fake clock to avoid timing flakiness.
func TestStore_LazyExpiryRemovesEntry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var reasons []EvictReason
	s := mustNew(t, Options[string, string]{
		Capacity: 4,
		TTL:      100 * time.Millisecond,
		Clock:    clk,
		OnEvict:  func(_, _ string, r EvictReason) { reasons = append(reasons, r) },
	})

	s.Set("x", "v")
	clk.add(100 * time.Millisecond) // now == expiresAt is still fresh
	if _, ok := s.Get("x"); !ok {
		t.Fatal("entry at its deadline must still be served")
	}
	clk.add(time.Nanosecond)
	if _, ok := s.Get("x"); ok {
		t.Fatal("expired hit")
	}
	if s.Has("x") {
		t.Fatal("Has must be false after expiry")
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("expired entry must be dropped from internal state, Len=%d", n)
	}
	if diff := cmp.Diff([]EvictReason{EvictExpired}, reasons); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_SweepExpired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := mustNew(t, Options[string, int]{Capacity: 10, TTL: time.Second, Clock: clk})

	s.Set("old1", 1)
	s.Set("old2", 2)
	clk.add(600 * time.Millisecond)
	s.Set("new", 3)
	clk.add(600 * time.Millisecond)

	if got := s.SweepExpired(); got != 2 {
		t.Fatalf("SweepExpired want 2, got %d", got)
	}
	if diff := cmp.Diff([]string{"new"}, s.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if got := s.SweepExpired(); got != 0 {
		t.Fatalf("second sweep want 0, got %d", got)
	}
	checkInvariants(t, s)
}

func TestStore_KeysSkipExpiredWithoutMutating(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := mustNew(t, Options[string, int]{Capacity: 4, TTL: time.Second, Clock: clk})

	s.Set("a", 1)
	clk.add(2 * time.Second)
	s.Set("b", 2)
	s.Set("c", 3)

	if diff := cmp.Diff([]string{"c", "b"}, s.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if s.Len() != 3 {
		t.Fatalf("Keys must not remove entries, Len=%d", s.Len())
	}
}

func TestStore_ClearAndDelete(t *testing.T) {
	t.Parallel()

	s := mustNew(t, Options[string, int]{Capacity: 8, TTL: time.Minute})
	for i := 0; i < 5; i++ {
		s.Set("k"+strconv.Itoa(i), i)
	}
	if !s.Delete("k0") {
		t.Fatal("Delete k0 must be true")
	}
	if s.Delete("k0") {
		t.Fatal("second Delete must be false")
	}
	if got := s.Clear(); got != 4 {
		t.Fatalf("Clear want 4, got %d", got)
	}
	if s.Len() != 0 {
		t.Fatalf("Len after Clear want 0, got %d", s.Len())
	}
	s.Set("again", 1)
	checkInvariants(t, s)
}

func TestStore_Peek(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: int64(time.Hour)}
	s := mustNew(t, Options[string, int]{Capacity: 2, TTL: time.Minute, Clock: clk})
	s.Set("a", 1)
	s.Set("b", 2)

	e, ok := s.Peek("a")
	if !ok || e.Value != 1 {
		t.Fatalf("Peek a: %+v ok=%v", e, ok)
	}
	if got := e.ExpiresAt.Sub(e.CreatedAt); got != time.Minute {
		t.Fatalf("lifetime want 1m, got %s", got)
	}

	// Peek must not promote: a stays LRU.
	s.Set("c", 3)
	if s.Has("a") {
		t.Fatal("a must be evicted; Peek must not promote")
	}
}

// Random operation sequences must never break capacity or the bijection,
// and the tail must always be the entry touched longest ago.
func TestStore_RandomOpsKeepInvariants(t *testing.T) {
	t.Parallel()

	const capacity = 16
	clk := &fakeClock{}
	s := mustNew(t, Options[int, int]{Capacity: capacity, TTL: 50 * time.Millisecond, Clock: clk})

	// Reference model: recency order of live keys, MRU first.
	var model []int
	touch := func(k int) {
		for i, x := range model {
			if x == k {
				model = append(model[:i], model[i+1:]...)
				break
			}
		}
		model = append([]int{k}, model...)
	}
	drop := func(k int) {
		for i, x := range model {
			if x == k {
				model = append(model[:i], model[i+1:]...)
				return
			}
		}
	}

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 5_000; i++ {
		k := r.Intn(40)
		switch r.Intn(10) {
		case 0:
			s.Delete(k)
			drop(k)
		case 1, 2:
			if _, ok := s.Get(k); ok {
				touch(k)
			}
		default:
			s.Set(k, i)
			touch(k)
			if len(model) > capacity {
				model = model[:capacity]
			}
		}
		if s.Len() > capacity {
			t.Fatalf("op %d: Len %d exceeds capacity", i, s.Len())
		}
	}
	checkInvariants(t, s)
	if diff := cmp.Diff(model, s.Keys()); diff != "" {
		t.Fatalf("recency order mismatch (-model +store):\n%s", diff)
	}
}
