package cache

import (
	"container/list"
	"sync"
)

// ordered is a capacity-bounded map with a recency list. Eviction always
// removes the back of the list; promote decides whether reads move an entry
// to the front (LRU) or leave insertion order alone (FIFO).
type ordered[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	promote  bool
	ll       *list.List
	items    map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func newOrdered[K comparable, V any](capacity int, promote bool) *ordered[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ordered[K, V]{
		capacity: capacity,
		promote:  promote,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
	}
}

func (c *ordered[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.promote {
		c.ll.MoveToFront(elem)
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Peek reads an entry without affecting eviction order.
func (c *ordered[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Contains reports presence without affecting eviction order.
func (c *ordered[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *ordered[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		if c.promote {
			c.ll.MoveToFront(elem)
		}
		return
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
	for c.ll.Len() > c.capacity {
		c.removeElement(c.ll.Back())
	}
}

func (c *ordered[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

func (c *ordered[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *ordered[K, V]) Cap() int { return c.capacity }

// Keys returns keys from the next eviction candidate to the newest entry.
func (c *ordered[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, c.ll.Len())
	for e := c.ll.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(*entry[K, V]).key)
	}
	return keys
}

func (c *ordered[K, V]) removeElement(elem *list.Element) {
	delete(c.items, elem.Value.(*entry[K, V]).key)
	c.ll.Remove(elem)
}

// FIFO evicts the oldest inserted entry regardless of reads.
type FIFO[K comparable, V any] struct{ *ordered[K, V] }

// NewFIFO returns a FIFO cache holding at most capacity entries.
func NewFIFO[K comparable, V any](capacity int) *FIFO[K, V] {
	return &FIFO[K, V]{newOrdered[K, V](capacity, false)}
}

// LRU evicts the least recently read or written entry.
type LRU[K comparable, V any] struct{ *ordered[K, V] }

// NewLRU returns an LRU cache holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{newOrdered[K, V](capacity, true)}
}

var (
	_ Cache[string, int] = (*FIFO[string, int])(nil)
	_ Cache[string, int] = (*LRU[string, int])(nil)
	_ Bounded[string]    = (*LRU[string, int])(nil)
)
