package store

import "time"

// node is an intrusive doubly linked list element owned by a Store.
type node[K comparable, V any] struct {
	key K
	val V

	// head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	// UnixNano timestamps.
	created int64
	exp     int64
}

// Entry is a read-only snapshot of a stored value and its lifetime.
type Entry[V any] struct {
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (n *node[K, V]) entry() Entry[V] {
	return Entry[V]{
		Value:     n.val,
		CreatedAt: time.Unix(0, n.created),
		ExpiresAt: time.Unix(0, n.exp),
	}
}
