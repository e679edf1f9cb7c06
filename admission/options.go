package admission

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidConfig is returned by New for non-positive limits or windows.
var ErrInvalidConfig = errors.New("admission: invalid config")

// DefaultSweepInterval is the stale-client sweep period used when
// Config.SweepInterval is zero.
const DefaultSweepInterval = 5 * time.Minute

// Gate names reported to Metrics.Deny.
const (
	GateBurst  = "burst"
	GateSteady = "steady"
)

// Metrics exposes admission decisions.
type Metrics interface {
	Allow()
	Deny(gate string)
	Clients(n int)
}

// NoopMetrics discards admission signals.
type NoopMetrics struct{}

func (NoopMetrics) Allow()      {}
func (NoopMetrics) Deny(string) {}
func (NoopMetrics) Clients(int) {}

var _ Metrics = NoopMetrics{}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Config sets the two buckets every client must pass.
type Config struct {
	// Steady bucket: MaxRequests tokens, refilled linearly over Window.
	MaxRequests int
	Window      time.Duration

	// Burst bucket: BurstCapacity tokens, reset wholesale once BurstWindow
	// has elapsed since the window started.
	BurstCapacity int
	BurstWindow   time.Duration

	// SweepInterval is how often clients idle for 2*Window are dropped.
	// Zero => DefaultSweepInterval.
	SweepInterval time.Duration

	Metrics Metrics
	Logger  *zap.Logger
	Clock   Clock
}
