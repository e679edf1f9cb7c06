// Package store provides the eviction store underneath the cache manager: a
// generic key/value map bounded by an entry count and a fixed TTL.
//
// Design
//
//   - Storage: a map[K]*node for lookups plus an intrusive MRU↔LRU doubly
//     linked list for ordering. Get, Set and Delete are O(1).
//
//   - Capacity: enforced right after every insert by evicting exactly the
//     LRU tail, so Len() never exceeds Capacity across the public API.
//
//   - TTL: every Set stamps createdAt/expiresAt from the Clock. Expiry is
//     lazy on Get/Has and proactive through SweepExpired; both use the same
//     predicate (now > expiresAt).
//
//   - Callbacks: Options.OnEvict(k, v, reason) fires for capacity and expiry
//     removals, never for Delete or Clear.
//
// Basic usage
//
//	s, err := store.New(store.Options[string, []byte]{Capacity: 100, TTL: time.Minute})
//	if err != nil {
//	    return err
//	}
//	s.Set("a", []byte("1"))
//	if v, ok := s.Get("a"); ok {
//	    _ = v
//	}
//	removed := s.SweepExpired()
package store
