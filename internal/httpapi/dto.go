package httpapi

import (
	"github.com/IvanBrykalov/readthrough/metrics"
	"github.com/IvanBrykalov/readthrough/users"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type rateLimitError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

type validationResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Details []users.FieldError `json:"details"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type clearResponse struct {
	Message        string `json:"message"`
	ClearedEntries int    `json:"clearedEntries"`
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

type cacheStatsResponse struct {
	CacheSize       int    `json:"cacheSize"`
	Hits            int64  `json:"hits"`
	Misses          int64  `json:"misses"`
	HitRate         string `json:"hitRate"`
	AvgResponseTime string `json:"avgResponseTime"`
	Uptime          string `json:"uptime"`
}

// Latencies are reported in milliseconds, uptime in whole seconds.
type summaryResponse struct {
	TotalRequests           int                 `json:"totalRequests"`
	SuccessfulRequests      int                 `json:"successfulRequests"`
	FailedRequests          int                 `json:"failedRequests"`
	AverageResponseTime     float64             `json:"averageResponseTime"`
	CacheHitRate            float64             `json:"cacheHitRate"`
	ErrorRate               float64             `json:"errorRate"`
	RequestsByEndpoint      map[string]int      `json:"requestsByEndpoint"`
	ErrorsByType            map[string]int      `json:"errorsByType"`
	ResponseTimePercentiles percentilesResponse `json:"responseTimePercentiles"`
	Uptime                  int64               `json:"uptime"`
}

type percentilesResponse struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

func newSummaryResponse(s metrics.Summary) summaryResponse {
	return summaryResponse{
		TotalRequests:       s.TotalRequests,
		SuccessfulRequests:  s.SuccessfulRequests,
		FailedRequests:      s.FailedRequests,
		AverageResponseTime: millis(s.AvgResponseTime),
		CacheHitRate:        round2(s.CacheHitRate),
		ErrorRate:           round2(s.ErrorRate),
		RequestsByEndpoint:  s.RequestsByEndpoint,
		ErrorsByType:        s.ErrorsByType,
		ResponseTimePercentiles: percentilesResponse{
			P50: millis(s.Percentiles.P50),
			P95: millis(s.Percentiles.P95),
			P99: millis(s.Percentiles.P99),
		},
		Uptime: int64(s.Uptime.Seconds()),
	}
}

type requestEventResponse struct {
	Timestamp    int64   `json:"timestamp"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	StatusCode   int     `json:"statusCode"`
	ResponseTime float64 `json:"responseTime"`
	CacheHit     bool    `json:"cacheHit"`
}

func newRequestEventResponse(e metrics.RequestEvent) requestEventResponse {
	return requestEventResponse{
		Timestamp:    e.Timestamp.UnixMilli(),
		Method:       e.Method,
		Path:         e.Path,
		StatusCode:   e.Status,
		ResponseTime: millis(e.Latency),
		CacheHit:     e.CacheHit,
	}
}

type errorEventResponse struct {
	Timestamp  int64  `json:"timestamp"`
	Error      string `json:"error"`
	Path       string `json:"path"`
	StatusCode int    `json:"statusCode"`
}

func newErrorEventResponse(e metrics.ErrorEvent) errorEventResponse {
	return errorEventResponse{
		Timestamp:  e.Timestamp.UnixMilli(),
		Error:      e.Label,
		Path:       e.Path,
		StatusCode: e.Status,
	}
}

type recentRequestsResponse struct {
	Count    int                    `json:"count"`
	Requests []requestEventResponse `json:"requests"`
}

type recentErrorsResponse struct {
	Count  int                  `json:"count"`
	Errors []errorEventResponse `json:"errors"`
}
