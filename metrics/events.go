package metrics

import "time"

// RequestEvent describes one finished request.
type RequestEvent struct {
	Timestamp time.Time
	Method    string
	Path      string
	Status    int
	Latency   time.Duration
	CacheHit  bool
}

// Failed reports whether the request ended with a status >= 400.
func (e RequestEvent) Failed() bool { return e.Status >= 400 }

// ErrorEvent describes one failed request by a short label.
type ErrorEvent struct {
	Timestamp time.Time
	Label     string
	Path      string
	Status    int
}

// Percentiles holds response-time percentiles.
type Percentiles struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// Summary aggregates the events inside a time window.
type Summary struct {
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	AvgResponseTime    time.Duration
	CacheHitRate       float64        // percent
	ErrorRate          float64        // percent
	RequestsByEndpoint map[string]int // "METHOD PATH" -> count
	ErrorsByType       map[string]int // label -> count
	Percentiles        Percentiles
	Uptime             time.Duration
}
