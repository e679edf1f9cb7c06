package store

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned by New when Capacity or TTL is not positive.
var ErrInvalidConfig = errors.New("store: invalid config")

// EvictReason explains why an entry left the store without an explicit Delete.
type EvictReason int

const (
	// EvictCapacity: the LRU tail was dropped to keep Len() <= Capacity.
	EvictCapacity EvictReason = iota
	// EvictExpired: the entry outlived its TTL (lazy on access or by SweepExpired).
	EvictExpired
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	default:
		return "capacity"
	}
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Store. Capacity and TTL are mandatory.
type Options[K comparable, V any] struct {
	// Capacity is the hard entry count limit.
	Capacity int

	// TTL is applied to every Set; the deadline is refreshed on overwrite.
	TTL time.Duration

	// OnEvict is called under the store lock; keep callbacks lightweight.
	// Explicit Delete and Clear do not trigger it.
	OnEvict func(k K, v V, reason EvictReason)

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
