package cache

import "github.com/IvanBrykalov/tierstore/tier"

// node is an intrusive doubly linked list element owned by a shard.
// The list orders all of a shard's entries by recency (head=MRU, tail=LRU)
// regardless of tier.
type node[V any] struct {
	tier.Entry[V]

	prev *node[V]
	next *node[V]
}
