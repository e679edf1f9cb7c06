package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/coalesce"
	"github.com/IvanBrykalov/readthrough/upstream"
	"github.com/IvanBrykalov/readthrough/users"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
	minMetricsWindow   = time.Second
	maxBodyBytes       = 1 << 20
)

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:    time.Since(s.started).Seconds(),
	})
}

func (s *server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeValidation(w, []users.FieldError{{Field: "id", Message: "User ID must be a positive integer"}})
		return
	}

	u, hit, err := s.Users.Get(r.Context(), id)
	w.Header().Set(headerCacheHit, strconv.FormatBool(hit))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, u)
	case errors.Is(err, upstream.ErrNotFound):
		s.log.Info("user not found", zap.Int64("id", id))
		writeError(w, http.StatusNotFound, "Not Found", fmt.Sprintf("User with ID %d not found", id))
	default:
		s.internalError(w, r, err)
	}
}

func (s *server) createUser(w http.ResponseWriter, r *http.Request) {
	var in users.CreateInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", "Request body must be a JSON object")
		return
	}

	u, err := s.Users.Create(r.Context(), in)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, u)
	case errors.Is(err, users.ErrInvalidInput):
		s.log.Warn("validation failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeValidation(w, users.FieldErrors(err))
	default:
		s.internalError(w, r, err)
	}
}

func (s *server) cacheStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.Cache.Stats()
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		CacheSize:       st.CacheSize,
		Hits:            st.Hits,
		Misses:          st.Misses,
		HitRate:         fmt.Sprintf("%.2f%%", st.HitRate),
		AvgResponseTime: fmt.Sprintf("%.2fms", millis(st.AvgResponseTime)),
		Uptime:          fmt.Sprintf("%ds", int64(st.Uptime/time.Second)),
	})
}

func (s *server) clearCache(w http.ResponseWriter, _ *http.Request) {
	n := s.Cache.Clear()
	writeJSON(w, http.StatusOK, clearResponse{Message: "Cache cleared successfully", ClearedEntries: n})
}

func (s *server) metricsSummary(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		window = time.Duration(ms) * time.Millisecond
		if err != nil || window < minMetricsWindow {
			writeValidation(w, []users.FieldError{{Field: "window", Message: "Window must be at least 1000ms"}})
			return
		}
	}
	writeJSON(w, http.StatusOK, newSummaryResponse(s.Metrics.Summary(window)))
}

func (s *server) recentRequests(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events := s.Metrics.RecentRequests(limit)
	out := make([]requestEventResponse, len(events))
	for i, e := range events {
		out[i] = newRequestEventResponse(e)
	}
	writeJSON(w, http.StatusOK, recentRequestsResponse{Count: len(out), Requests: out})
}

func (s *server) recentErrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	events := s.Metrics.RecentErrors(limit)
	out := make([]errorEventResponse, len(events))
	for i, e := range events {
		out[i] = newErrorEventResponse(e)
	}
	writeJSON(w, http.StatusOK, recentErrorsResponse{Count: len(out), Errors: out})
}

func (s *server) resetMetrics(w http.ResponseWriter, _ *http.Request) {
	s.Metrics.Reset()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Metrics reset successfully"})
}

func (s *server) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found", fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path))
}

func (s *server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, coalesce.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "Server is shutting down")
		return
	}
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
}

// parseLimit reads ?limit=, defaulting to 100 and accepting 1..1000.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultRecentLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxRecentLimit {
		writeValidation(w, []users.FieldError{{Field: "limit", Message: "Limit must be between 1 and 1000"}})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

func writeValidation(w http.ResponseWriter, details []users.FieldError) {
	writeJSON(w, http.StatusBadRequest, validationResponse{
		Error:   "Validation Error",
		Message: "Invalid input data",
		Details: details,
	})
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
