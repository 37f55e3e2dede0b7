// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// ARCCache is a thread-safe Adaptive Replacement Cache, generic over
// its key and value types.  A zero ARCCache is usable and has a
// capacity of 128 entries; use NewARCCache to pick a different
// capacity.
//
// It is used as a second, independent cache layer in front of pages
// that have already been flushed clean to the page directory, giving
// a warm "page image" cache distinct from the LRU-K-governed pinned
// frame pool.
type ARCCache[K comparable, V any] struct {
	initOnce sync.Once
	size     int
	inner    *lru.ARCCache
}

func NewARCCache[K comparable, V any](size int) *ARCCache[K, V] {
	c := &ARCCache[K, V]{size: size}
	c.init()
	return c
}

func (c *ARCCache[K, V]) init() {
	c.initOnce.Do(func() {
		size := c.size
		if size <= 0 {
			size = 128
		}
		c.inner, _ = lru.NewARC(size)
	})
}

func (c *ARCCache[K, V]) Add(key K, value V) {
	c.init()
	c.inner.Add(key, value)
}

func (c *ARCCache[K, V]) Contains(key K) bool {
	c.init()
	return c.inner.Contains(key)
}

func (c *ARCCache[K, V]) Get(key K) (value V, ok bool) {
	c.init()
	raw, ok := c.inner.Get(key)
	if ok {
		value = raw.(V)
	}
	return value, ok
}

func (c *ARCCache[K, V]) Peek(key K) (value V, ok bool) {
	c.init()
	raw, ok := c.inner.Peek(key)
	if ok {
		value = raw.(V)
	}
	return value, ok
}

func (c *ARCCache[K, V]) Remove(key K) {
	c.init()
	c.inner.Remove(key)
}

func (c *ARCCache[K, V]) Purge() {
	c.init()
	c.inner.Purge()
}

func (c *ARCCache[K, V]) Len() int {
	c.init()
	return c.inner.Len()
}
