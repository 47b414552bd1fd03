package cache

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// FillFunc computes the value for a missing key. Its error is returned to
// the caller as-is and nothing is cached.
type FillFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Auto populates base on a miss by calling fill. Concurrent misses for the
// same key share one fill call. Set still overrides the cached value.
type Auto[K comparable, V any] struct {
	base   Cache[K, V]
	fill   FillFunc[K, V]
	flight singleflight.Group
}

// NewAuto decorates base with fill.
func NewAuto[K comparable, V any](base Cache[K, V], fill FillFunc[K, V]) *Auto[K, V] {
	return &Auto[K, V]{base: base, fill: fill}
}

// Get returns the cached value or fills it. A fill failure is an error, not
// a miss.
func (a *Auto[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := a.base.Get(key); ok {
		return v, nil
	}
	res, err, _ := a.flight.Do(fmt.Sprintf("%T:%v", key, key), func() (any, error) {
		if v, ok := a.base.Get(key); ok {
			return v, nil
		}
		v, err := a.fill(ctx, key)
		if err != nil {
			return v, err
		}
		a.base.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Set overwrites the cached value for key.
func (a *Auto[K, V]) Set(key K, value V) { a.base.Set(key, value) }

// Contains reports whether key is cached without filling it.
func (a *Auto[K, V]) Contains(key K) bool { return a.base.Contains(key) }

// Delete drops key so the next Get refills it.
func (a *Auto[K, V]) Delete(key K) { a.base.Delete(key) }

func (a *Auto[K, V]) Len() int { return a.base.Len() }
