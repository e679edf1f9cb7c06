package store

import (
	"fmt"
	"sync"
	"time"
)

// Store is a capacity- and TTL-bounded key/value store with strict LRU
// eviction. A map[K]*node gives O(1) lookups and an intrusive MRU↔LRU list
// gives O(1) promotion and tail eviction.
//
// All methods are safe for concurrent use by multiple goroutines.
type Store[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu   sync.Mutex
	m    map[K]*node[K, V]
	head *node[K, V] // MRU
	tail *node[K, V] // LRU

	cap int
	ttl int64
	opt Options[K, V]
}

// New constructs a Store. It returns ErrInvalidConfig if Capacity <= 0 or
// TTL <= 0.
func New[K comparable, V any](opt Options[K, V]) (*Store[K, V], error) {
	if opt.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0, got %d", ErrInvalidConfig, opt.Capacity)
	}
	if opt.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be > 0, got %s", ErrInvalidConfig, opt.TTL)
	}
	return &Store[K, V]{
		m:   make(map[K]*node[K, V], opt.Capacity),
		cap: opt.Capacity,
		ttl: int64(opt.TTL),
		opt: opt,
	}, nil
}

// Get returns the value for k and promotes it to MRU.
// An expired entry is removed and reported as a miss.
func (s *Store[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		var zero V
		return zero, false
	}
	if s.expiredLocked(n, s.now()) {
		s.evictNode(n, EvictExpired)
		var zero V
		return zero, false
	}
	s.moveToFront(n)
	return n.val, true
}

// Peek returns the entry for k without promoting it.
func (s *Store[K, V]) Peek(k K) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok || s.expiredLocked(n, s.now()) {
		return Entry[V]{}, false
	}
	return n.entry(), true
}

// Set inserts or overwrites k→v with a fresh TTL and promotes it to MRU.
// Inserting past Capacity evicts exactly the LRU tail.
func (s *Store[K, V]) Set(k K, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if n, ok := s.m[k]; ok {
		n.val = v
		n.created = now
		n.exp = now + s.ttl
		s.moveToFront(n)
		return
	}

	n := &node[K, V]{key: k, val: v, created: now, exp: now + s.ttl}
	s.m[k] = n
	s.insertFront(n)

	if len(s.m) > s.cap {
		if tail := s.tail; tail != nil {
			s.evictNode(tail, EvictCapacity)
		}
	}
}

// Delete removes k and reports whether it was present.
func (s *Store[K, V]) Delete(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	s.removeNode(n)
	delete(s.m, k)
	return true
}

// Has reports whether k is present and fresh. It does not promote the entry;
// an expired entry is removed.
func (s *Store[K, V]) Has(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[k]
	if !ok {
		return false
	}
	if s.expiredLocked(n, s.now()) {
		s.evictNode(n, EvictExpired)
		return false
	}
	return true
}

// Keys returns the non-expired keys ordered MRU→LRU.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]K, 0, len(s.m))
	for n := s.head; n != nil; n = n.next {
		if !s.expiredLocked(n, now) {
			keys = append(keys, n.key)
		}
	}
	return keys
}

// Len returns the number of resident entries, expired ones included until
// they are swept or touched.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Clear drops every entry and returns how many were removed.
func (s *Store[K, V]) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.m)
	s.m = make(map[K]*node[K, V], s.cap)
	s.head, s.tail = nil, nil
	return count
}

// SweepExpired removes every expired entry and returns the count.
func (s *Store[K, V]) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for n := s.tail; n != nil; {
		prev := n.prev
		if s.expiredLocked(n, now) {
			s.evictNode(n, EvictExpired)
			removed++
		}
		n = prev
	}
	return removed
}

// -------------------- internals (mu held) --------------------

// expiredLocked is the single expiry predicate for lazy and sweep paths.
func (s *Store[K, V]) expiredLocked(n *node[K, V], now int64) bool {
	return now > n.exp
}

func (s *Store[K, V]) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

// insertFront inserts n at MRU in O(1).
func (s *Store[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

// moveToFront promotes n to MRU in O(1).
func (s *Store[K, V]) moveToFront(n *node[K, V]) {
	if n == s.head {
		return
	}
	s.removeNode(n)
	s.insertFront(n)
}

// removeNode unlinks n in O(1). Map bookkeeping is up to the caller.
func (s *Store[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// evictNode removes n from list and map and notifies OnEvict.
func (s *Store[K, V]) evictNode(n *node[K, V], reason EvictReason) {
	s.removeNode(n)
	delete(s.m, n.key)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, n.val, reason)
	}
}
