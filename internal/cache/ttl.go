package cache

import "time"

// Stamped is a value with its insertion time, as stored by TTL.
type Stamped[V any] struct {
	Value V
	At    time.Time
}

type peeker[K comparable, V any] interface {
	Peek(key K) (V, bool)
}

// TTL expires entries maxAge after they were set, whatever the capacity of
// the underlying cache. An expired entry reads as a miss even if it is still
// physically present; it is dropped on that read or when an insert finds the
// underlying cache full.
type TTL[K comparable, V any] struct {
	base   Cache[K, Stamped[V]]
	maxAge time.Duration
	now    func() time.Time
}

// NewTTL decorates base with a maximum entry age.
func NewTTL[K comparable, V any](base Cache[K, Stamped[V]], maxAge time.Duration) *TTL[K, V] {
	return &TTL[K, V]{base: base, maxAge: maxAge, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (t *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	t.now = now
	return t
}

func (t *TTL[K, V]) expired(s Stamped[V], now time.Time) bool {
	return !now.Before(s.At.Add(t.maxAge))
}

func (t *TTL[K, V]) Get(key K) (V, bool) {
	s, ok := t.base.Get(key)
	if ok && !t.expired(s, t.now()) {
		return s.Value, true
	}
	if ok {
		t.base.Delete(key)
	}
	var zero V
	return zero, false
}

func (t *TTL[K, V]) Set(key K, value V) {
	now := t.now()
	if b, ok := t.base.(Bounded[K]); ok && t.base.Len() >= b.Cap() && !t.base.Contains(key) {
		t.purge(b.Keys(), now)
	}
	t.base.Set(key, Stamped[V]{Value: value, At: now})
}

func (t *TTL[K, V]) Contains(key K) bool {
	var (
		s  Stamped[V]
		ok bool
	)
	if p, isPeeker := t.base.(peeker[K, Stamped[V]]); isPeeker {
		s, ok = p.Peek(key)
	} else {
		s, ok = t.base.Get(key)
	}
	return ok && !t.expired(s, t.now())
}

func (t *TTL[K, V]) Delete(key K) { t.base.Delete(key) }

// Len counts physically present entries, expired or not.
func (t *TTL[K, V]) Len() int { return t.base.Len() }

func (t *TTL[K, V]) purge(keys []K, now time.Time) {
	p, canPeek := t.base.(peeker[K, Stamped[V]])
	for _, k := range keys {
		var (
			s  Stamped[V]
			ok bool
		)
		if canPeek {
			s, ok = p.Peek(k)
		} else {
			s, ok = t.base.Get(k)
		}
		if ok && t.expired(s, now) {
			t.base.Delete(k)
		}
	}
}

var _ Cache[string, int] = (*TTL[string, int])(nil)
