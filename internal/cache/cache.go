// Package cache provides small bounded in-memory caches: FIFO and LRU
// eviction policies, a time-limited decorator and an auto-populating
// decorator. A miss is an ordinary (zero, false) result, never a panic.
package cache

import "errors"

// ErrKeyNotFound is returned by Lookup on a miss.
var ErrKeyNotFound = errors.New("cache: key not found")

// Cache is the contract shared by every policy and decorator.
// Implementations are safe for concurrent use.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V)
	Contains(key K) bool
	Delete(key K)
	Len() int
}

// Bounded is implemented by caches with a fixed capacity that can enumerate
// their keys, oldest eviction candidate first.
type Bounded[K comparable] interface {
	Cap() int
	Keys() []K
}

// Lookup is Get reporting a miss as ErrKeyNotFound.
func Lookup[K comparable, V any](c Cache[K, V], key K) (V, error) {
	v, ok := c.Get(key)
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}
	return v, nil
}
