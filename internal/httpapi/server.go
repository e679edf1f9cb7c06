// Package httpapi exposes the read-through service over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/admission"
	"github.com/IvanBrykalov/readthrough/cache"
	"github.com/IvanBrykalov/readthrough/metrics"
	"github.com/IvanBrykalov/readthrough/users"
)

// RequestObserver receives the latency of every request, labelled by the
// matched route pattern. *prom.Adapter satisfies it.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Deps are the components the handlers serve from. Users, Cache, Admission
// and Metrics are required.
type Deps struct {
	Users     *users.Service
	Cache     *cache.Manager[string, users.User]
	Admission *admission.Controller
	Metrics   *metrics.Aggregator

	// Observer and Prometheus are optional; Prometheus is mounted at
	// /metrics/prometheus when set.
	Observer   RequestObserver
	Prometheus http.Handler

	// LogLevel, when set, serves GET/PUT /log/level (zap.AtomicLevel).
	LogLevel http.Handler

	Logger *zap.Logger
}

type server struct {
	Deps
	log     *zap.Logger
	started time.Time
}

// New returns the root handler: routes wrapped in request-id, monitoring,
// access-log and admission middleware, outermost first.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &server{Deps: d, log: d.Logger, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /users/{id}", s.getUser)
	mux.HandleFunc("POST /users", s.createUser)
	mux.HandleFunc("GET /cache-status", s.cacheStatus)
	mux.HandleFunc("DELETE /cache", s.clearCache)
	mux.HandleFunc("GET /metrics", s.metricsSummary)
	mux.HandleFunc("GET /metrics/requests", s.recentRequests)
	mux.HandleFunc("GET /metrics/errors", s.recentErrors)
	mux.HandleFunc("POST /metrics/reset", s.resetMetrics)
	if d.Prometheus != nil {
		mux.Handle("GET /metrics/prometheus", d.Prometheus)
	}
	if d.LogLevel != nil {
		mux.Handle("GET /log/level", d.LogLevel)
		mux.Handle("PUT /log/level", d.LogLevel)
	}
	mux.HandleFunc("/", s.notFound)

	var h http.Handler = mux
	h = s.admit(h)
	h = s.accessLog(h)
	h = s.monitor(h)
	h = requestID(h)
	return h
}
