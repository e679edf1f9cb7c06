package httpapi

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	headerCacheHit  = "X-Cache-Hit"
)

type ctxKey struct{}

// RequestIDFrom returns the id assigned by the request-id middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// requestID reuses a client-supplied X-Request-ID or assigns a new UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// recorder captures the status written by inner handlers.
type recorder struct {
	http.ResponseWriter
	status int
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// monitor records every finished request, and every response with status
// >= 400 as an error, in the aggregator and the optional observer.
func (s *server) monitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.code()
		took := time.Since(start)
		now := time.Now()
		s.Metrics.RecordRequest(metrics.RequestEvent{
			Timestamp: now,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Latency:   took,
			CacheHit:  w.Header().Get(headerCacheHit) == "true",
		})
		if status >= 400 {
			s.Metrics.RecordError(metrics.ErrorEvent{
				Timestamp: now,
				Label:     errorLabel(status),
				Path:      r.URL.Path,
				Status:    status,
			})
		}
		if s.Observer != nil {
			// The mux stores the matched pattern on the request it was given.
			route := r.Pattern
			if route == "" || route == "/" {
				route = "unmatched"
			}
			s.Observer.ObserveRequest(r.Method, route, status, took)
		}
	})
}

func errorLabel(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Unknown Error"
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", RequestIDFrom(r.Context())),
		)
	})
}

// admit rejects requests from clients that exhausted either token bucket.
func (s *server) admit(next http.Handler) http.Handler {
	retryAfter := int(math.Ceil(s.Admission.RetryAfter().Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Admission.IsAllowed(clientID(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, rateLimitError{
				Error:      "Too Many Requests",
				Message:    "Rate limit exceeded. Please try again later.",
				RetryAfter: retryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID keys admission state by the peer address without its port.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
