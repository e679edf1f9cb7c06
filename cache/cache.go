package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/store"
)

// Stats is a point-in-time view of the cumulative counters. Derived fields
// are computed when Stats is called and never stored.
type Stats struct {
	CacheSize       int
	Hits            int64
	Misses          int64
	HitRate         float64 // percent of lookups that hit; 0 with no lookups
	AvgResponseTime time.Duration
	Uptime          time.Duration
}

// counters accumulate until ResetStats; Clear leaves them alone.
type counters struct {
	hits          int64
	misses        int64
	totalRequests int64
	totalResponse time.Duration
	start         int64 // UnixNano
}

// Manager wraps an eviction store it exclusively owns and adds hit/miss and
// latency statistics plus a periodic expired-entry sweep.
// All methods are safe for concurrent use by multiple goroutines.
type Manager[K comparable, V any] struct {
	st  *store.Store[K, V]
	opt Options[K, V]
	log *zap.Logger

	mu    sync.Mutex
	stats counters

	// sweep lifecycle
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. It fails with store.ErrInvalidConfig when
// Capacity or TTL is not positive. The sweep does not run until Start.
func New[K comparable, V any](opt Options[K, V]) (*Manager[K, V], error) {
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = DefaultSweepInterval
	}

	m := &Manager[K, V]{opt: opt, log: opt.Logger}
	st, err := store.New(store.Options[K, V]{
		Capacity: opt.Capacity,
		TTL:      opt.TTL,
		Clock:    opt.Clock,
		OnEvict:  m.onEvict,
	})
	if err != nil {
		return nil, err
	}
	m.st = st
	m.stats.start = m.now()
	return m, nil
}

// Get returns the value for k and counts the lookup as a hit or miss.
func (m *Manager[K, V]) Get(k K) (V, bool) {
	v, ok := m.st.Get(k)
	if ok {
		m.RecordHit()
	} else {
		m.RecordMiss()
	}
	return v, ok
}

// Set inserts or refreshes k→v.
func (m *Manager[K, V]) Set(k K, v V) {
	m.st.Set(k, v)
	m.opt.Metrics.Size(m.st.Len())
}

// Delete removes k and reports whether it was present.
func (m *Manager[K, V]) Delete(k K) bool {
	ok := m.st.Delete(k)
	if ok {
		m.opt.Metrics.Size(m.st.Len())
	}
	return ok
}

// Has reports whether k is cached and fresh without touching statistics.
func (m *Manager[K, V]) Has(k K) bool { return m.st.Has(k) }

// Keys returns the fresh keys, most recently used first.
func (m *Manager[K, V]) Keys() []K { return m.st.Keys() }

// Len returns the number of resident entries.
func (m *Manager[K, V]) Len() int { return m.st.Len() }

// Clear empties the store and returns how many entries were removed.
// Cumulative statistics are kept; see ResetStats.
func (m *Manager[K, V]) Clear() int {
	n := m.st.Clear()
	m.opt.Metrics.Size(0)
	m.log.Info("cache cleared", zap.Int("removed", n))
	return n
}

// RecordHit counts a hit served outside Get.
func (m *Manager[K, V]) RecordHit() {
	m.mu.Lock()
	m.stats.hits++
	m.stats.totalRequests++
	m.mu.Unlock()
	m.opt.Metrics.Hit()
}

// RecordMiss counts a miss served outside Get.
func (m *Manager[K, V]) RecordMiss() {
	m.mu.Lock()
	m.stats.misses++
	m.stats.totalRequests++
	m.mu.Unlock()
	m.opt.Metrics.Miss()
}

// TrackResponseTime adds d to the cumulative response time.
func (m *Manager[K, V]) TrackResponseTime(d time.Duration) {
	m.mu.Lock()
	m.stats.totalResponse += d
	m.mu.Unlock()
}

// Stats derives hit rate, average response time and uptime from the
// cumulative counters.
func (m *Manager[K, V]) Stats() Stats {
	m.mu.Lock()
	c := m.stats
	m.mu.Unlock()

	s := Stats{
		CacheSize: m.st.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Uptime:    time.Duration(m.now() - c.start),
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups) * 100
	}
	if c.totalRequests > 0 {
		s.AvgResponseTime = c.totalResponse / time.Duration(c.totalRequests)
	}
	return s
}

// ResetStats zeroes the counters and restarts the uptime clock.
func (m *Manager[K, V]) ResetStats() {
	m.mu.Lock()
	m.stats = counters{start: m.now()}
	m.mu.Unlock()
}

// SweepExpired runs one expiry pass immediately and returns the count.
func (m *Manager[K, V]) SweepExpired() int {
	n := m.st.SweepExpired()
	if n > 0 {
		m.opt.Metrics.Size(m.st.Len())
		m.log.Debug("cache sweep removed expired entries", zap.Int("removed", n))
	}
	return n
}

func (m *Manager[K, V]) onEvict(k K, v V, reason store.EvictReason) {
	m.opt.Metrics.Evict(reason)
	if cb := m.opt.OnEvict; cb != nil {
		cb(k, v, reason)
	}
}

func (m *Manager[K, V]) now() int64 {
	if m.opt.Clock != nil {
		return m.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
