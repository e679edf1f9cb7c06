package cache

import (
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/readthrough/store"
)

// DefaultSweepInterval is how often expired entries are purged when
// Options.SweepInterval is zero.
const DefaultSweepInterval = 30 * time.Second

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason store.EvictReason)
	Size(entries int)
}

// Options configures the Manager. Capacity and TTL are forwarded to the
// underlying store and must be positive.
type Options[K comparable, V any] struct {
	Capacity int
	TTL      time.Duration

	// SweepInterval is the period of the background expiry sweep started by
	// Start. Zero => DefaultSweepInterval.
	SweepInterval time.Duration

	// OnEvict is chained after the Metrics hook; see store.Options.OnEvict.
	OnEvict func(k K, v V, reason store.EvictReason)

	// Observability
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock store.Clock
}
