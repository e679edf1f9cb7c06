// Package metrics keeps bounded logs of request and error events and
// summarizes them on demand: counts, rates, per-endpoint and per-error
// breakdowns, and p50/p95/p99 response times.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultMaxEvents is the per-log capacity used when Options.MaxEvents is 0.
const DefaultMaxEvents = 10_000

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures an Aggregator.
type Options struct {
	// MaxEvents bounds each log; the oldest events are dropped beyond it.
	MaxEvents int
	Clock     Clock
}

// Aggregator records request and error events in two drop-oldest rings.
// All methods are safe for concurrent use.
type Aggregator struct {
	clock Clock

	mu       sync.RWMutex
	requests *ring[RequestEvent]
	errors   *ring[ErrorEvent]
	start    time.Time
}

// New returns an empty Aggregator.
func New(opt Options) *Aggregator {
	if opt.MaxEvents <= 0 {
		opt.MaxEvents = DefaultMaxEvents
	}
	a := &Aggregator{
		clock:    opt.Clock,
		requests: newRing[RequestEvent](opt.MaxEvents),
		errors:   newRing[ErrorEvent](opt.MaxEvents),
	}
	a.start = a.now()
	return a
}

// RecordRequest appends e, dropping the oldest request once full.
func (a *Aggregator) RecordRequest(e RequestEvent) {
	a.mu.Lock()
	a.requests.push(e)
	a.mu.Unlock()
}

// RecordError appends e, dropping the oldest error once full.
func (a *Aggregator) RecordError(e ErrorEvent) {
	a.mu.Lock()
	a.errors.push(e)
	a.mu.Unlock()
}

// Summary aggregates events with Timestamp >= now-window. A window <= 0
// covers every stored event.
func (a *Aggregator) Summary(window time.Duration) Summary {
	now := a.now()
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	a.mu.RLock()
	reqs := make([]RequestEvent, 0, a.requests.len())
	for i := 0; i < a.requests.len(); i++ {
		if e := a.requests.at(i); !e.Timestamp.Before(cutoff) {
			reqs = append(reqs, e)
		}
	}
	errsByType := make(map[string]int)
	for i := 0; i < a.errors.len(); i++ {
		if e := a.errors.at(i); !e.Timestamp.Before(cutoff) {
			errsByType[e.Label]++
		}
	}
	start := a.start
	a.mu.RUnlock()

	s := Summary{
		TotalRequests:      len(reqs),
		RequestsByEndpoint: make(map[string]int),
		ErrorsByType:       errsByType,
		Uptime:             now.Sub(start),
	}
	latencies := make([]time.Duration, 0, len(reqs))
	var total time.Duration
	hits := 0
	for _, e := range reqs {
		if e.Failed() {
			s.FailedRequests++
		}
		if e.CacheHit {
			hits++
		}
		total += e.Latency
		latencies = append(latencies, e.Latency)
		s.RequestsByEndpoint[e.Method+" "+e.Path]++
	}
	s.SuccessfulRequests = s.TotalRequests - s.FailedRequests

	if n := len(reqs); n > 0 {
		s.AvgResponseTime = total / time.Duration(n)
		s.CacheHitRate = float64(hits) / float64(n) * 100
		s.ErrorRate = float64(s.FailedRequests) / float64(n) * 100
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.Percentiles = Percentiles{
		P50: Percentile(latencies, 50),
		P95: Percentile(latencies, 95),
		P99: Percentile(latencies, 99),
	}
	return s
}

// Percentile returns the nearest-rank p-th percentile of an ascending slice:
// the element at ceil(p/100*n)-1, clamped to the slice. Empty input yields 0.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// RecentRequests returns the newest limit requests in insertion order.
// limit <= 0 returns every stored request.
func (a *Aggregator) RecentRequests(limit int) []RequestEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.requests.last(limit)
}

// RecentErrors returns the newest limit errors in insertion order.
// limit <= 0 returns every stored error.
func (a *Aggregator) RecentErrors(limit int) []ErrorEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.errors.last(limit)
}

// Reset drops every event and restarts the uptime clock.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.requests.reset()
	a.errors.reset()
	a.start = a.now()
	a.mu.Unlock()
}

func (a *Aggregator) now() time.Time {
	if a.clock != nil {
		return time.Unix(0, a.clock.NowUnixNano())
	}
	return time.Now()
}
