// Package lru is a size bounded, concurrency safe LRU whose entries carry
// an optional expiry.
package lru

import (
	"fmt"
	"sync"
	"time"
)

type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	onEvict func(key K, v V)

	m map[K]*elem[K, V]
	// oldest is the least recently used element, newest the most recent.
	oldest, newest *elem[K, V]
}

type elem[K comparable, V any] struct {
	key    K
	v      V
	expire time.Time // zero: never

	prev, next *elem[K, V]
}

// New panics if maxSize <= 0. onEvict, if not nil, is called with the lock
// held whenever an entry is dropped because of size or expiry.
func New[K comparable, V any](maxSize int, onEvict func(key K, v V)) *Cache[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size: %d", maxSize))
	}
	return &Cache[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V]),
	}
}

// Add inserts or replaces key. A zero expire never expires.
func (c *Cache[K, V]) Add(key K, v V, expire time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		e.v = v
		e.expire = expire
		c.moveToNewest(e)
		return
	}

	if len(c.m) >= c.maxSize {
		e := c.oldest
		c.unlink(e)
		delete(c.m, e.key)
		if c.onEvict != nil {
			c.onEvict(e.key, e.v)
		}
	}

	e := &elem[K, V]{key: key, v: v, expire: expire}
	c.m[key] = e
	c.pushNewest(e)
}

// Get returns the value of key if it exists and has not expired at now.
// An expired entry is removed.
func (c *Cache[K, V]) Get(key K, now time.Time) (v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[key]
	if !ok {
		return v, false
	}
	if e.expired(now) {
		c.drop(e)
		return v, false
	}
	c.moveToNewest(e)
	return e.v, true
}

func (c *Cache[K, V]) Del(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		c.unlink(e)
		delete(c.m, key)
	}
}

// Clean removes every entry expired at now and returns the number removed.
func (c *Cache[K, V]) Clean(now time.Time) (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.oldest; e != nil; {
		next := e.next
		if e.expired(now) {
			c.drop(e)
			removed++
		}
		e = next
	}
	return removed
}

// Range calls f for every live entry from newest to oldest until f returns
// false. f must not call back into c.
func (c *Cache[K, V]) Range(now time.Time, f func(key K, v V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.newest; e != nil; e = e.prev {
		if e.expired(now) {
			continue
		}
		if !f(e.key, e.v) {
			return
		}
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (e *elem[K, V]) expired(now time.Time) bool {
	return !e.expire.IsZero() && !now.Before(e.expire)
}

func (c *Cache[K, V]) drop(e *elem[K, V]) {
	c.unlink(e)
	delete(c.m, e.key)
	if c.onEvict != nil {
		c.onEvict(e.key, e.v)
	}
}

func (c *Cache[K, V]) pushNewest(e *elem[K, V]) {
	e.prev, e.next = c.newest, nil
	if c.newest != nil {
		c.newest.next = e
	}
	c.newest = e
	if c.oldest == nil {
		c.oldest = e
	}
}

func (c *Cache[K, V]) unlink(e *elem[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.oldest = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.newest = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache[K, V]) moveToNewest(e *elem[K, V]) {
	if c.newest == e {
		return
	}
	c.unlink(e)
	c.pushNewest(e)
}
