// Package cache provides Manager, the statistics-keeping front of an
// eviction store.
//
// A Manager owns exactly one store.Store and adds:
//
//   - cumulative hits, misses, lookups and response time, which survive
//     Clear and are zeroed only by ResetStats;
//   - Stats(), deriving hit rate, average response time and uptime on demand;
//   - a background sweep (Start/Stop) purging expired entries every
//     SweepInterval, so entries that are never read again still leave memory;
//   - Metrics hooks (Hit/Miss/Evict/Size); plug metrics/prom to export them.
//
// Usage
//
//	m, err := cache.New(cache.Options[string, users.User]{
//	    Capacity: 100,
//	    TTL:      time.Minute,
//	})
//	if err != nil {
//	    return err
//	}
//	m.Start(ctx)
//	defer m.Stop()
//
//	if u, ok := m.Get("user:1"); ok {
//	    _ = u
//	}
//	fmt.Printf("%.2f%%\n", m.Stats().HitRate)
package cache
