package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/readthrough/admission"
	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/coalesce"
	"github.com/IvanBrykalov/readthrough/store"
)

// Adapter exports cache, admission, coalescer and HTTP signals as Prometheus
// metrics. Safe for concurrent use; all Prometheus metric types are
// goroutine-safe.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	evicts  *prometheus.CounterVec
	sizeEnt prometheus.Gauge

	allowed prometheus.Counter
	denied  *prometheus.CounterVec
	clients prometheus.Gauge

	executions *prometheus.CounterVec
	execTime   prometheus.Histogram
	shared     prometheus.Counter

	requests *prometheus.HistogramVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}

	a := &Adapter{
		hits:    prometheus.NewCounter(counter("cache_hits_total", "Cache hits")),
		misses:  prometheus.NewCounter(counter("cache_misses_total", "Cache misses")),
		evicts:  prometheus.NewCounterVec(counter("cache_evictions_total", "Cache evictions by reason"), []string{"reason"}),
		sizeEnt: prometheus.NewGauge(gauge("cache_size_entries", "Number of resident cache entries")),

		allowed: prometheus.NewCounter(counter("admission_allowed_total", "Requests admitted")),
		denied:  prometheus.NewCounterVec(counter("admission_denied_total", "Requests rejected by gate"), []string{"gate"}),
		clients: prometheus.NewGauge(gauge("admission_clients", "Clients with live token buckets")),

		executions: prometheus.NewCounterVec(counter("coalesce_executions_total", "Producer runs by outcome"), []string{"result"}),
		shared:     prometheus.NewCounter(counter("coalesce_shared_total", "Callers that joined an in-flight key")),

		execTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "coalesce_execution_seconds",
			Help:        "Producer run time",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),

		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency by method, route and status",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		a.hits, a.misses, a.evicts, a.sizeEnt,
		a.allowed, a.denied, a.clients,
		a.executions, a.execTime, a.shared,
		a.requests,
	)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r store.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates the resident entries gauge.
func (a *Adapter) Size(entries int) { a.sizeEnt.Set(float64(entries)) }

// Allow counts an admitted request.
func (a *Adapter) Allow() { a.allowed.Inc() }

// Deny counts a rejected request under the gate that refused it.
func (a *Adapter) Deny(gate string) { a.denied.WithLabelValues(gate).Inc() }

// Clients sets the number of tracked admission clients.
func (a *Adapter) Clients(n int) { a.clients.Set(float64(n)) }

// Executed records one producer run.
func (a *Adapter) Executed(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.executions.WithLabelValues(result).Inc()
	a.execTime.Observe(d.Seconds())
}

// Shared counts a caller served by an in-flight producer.
func (a *Adapter) Shared() { a.shared.Inc() }

// ObserveRequest records the latency of one HTTP request.
func (a *Adapter) ObserveRequest(method, route string, status int, d time.Duration) {
	a.requests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

var (
	_ cache.Metrics     = (*Adapter)(nil)
	_ admission.Metrics = (*Adapter)(nil)
	_ coalesce.Metrics  = (*Adapter)(nil)
)
