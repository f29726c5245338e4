// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lrucache wraps github.com/hashicorp/golang-lru's adaptive
// replacement cache in a generic, lazily-initialized type.
package lrucache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const defaultSize = 128

// Cache is a generic, size-bounded adaptive-replacement cache. The
// zero value is ready to use.
type Cache[K comparable, V any] struct {
	initOnce sync.Once
	size     int
	inner    *lru.ARCCache
}

// New returns a Cache holding at most size entries. Passing a
// zero-value Cache directly is also valid and behaves as New(128).
func New[K comparable, V any](size int) *Cache[K, V] {
	return &Cache[K, V]{size: size}
}

func (c *Cache[K, V]) init() {
	c.initOnce.Do(func() {
		size := c.size
		if size <= 0 {
			size = defaultSize
		}
		c.inner, _ = lru.NewARC(size)
	})
}

func (c *Cache[K, V]) Add(key K, value V) {
	c.init()
	c.inner.Add(key, value)
}

func (c *Cache[K, V]) Contains(key K) bool {
	c.init()
	return c.inner.Contains(key)
}

func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	c.init()
	untyped, ok := c.inner.Get(key)
	if ok {
		value = untyped.(V)
	}
	return value, ok
}

func (c *Cache[K, V]) Peek(key K) (value V, ok bool) {
	c.init()
	untyped, ok := c.inner.Peek(key)
	if ok {
		value = untyped.(V)
	}
	return value, ok
}

func (c *Cache[K, V]) Remove(key K) {
	c.init()
	c.inner.Remove(key)
}

func (c *Cache[K, V]) Purge() {
	c.init()
	c.inner.Purge()
}

func (c *Cache[K, V]) Len() int {
	c.init()
	return c.inner.Len()
}

// GetOrCompute returns the cached value for key, computing and
// caching it via fn on a miss.
func (c *Cache[K, V]) GetOrCompute(key K, fn func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Add(key, value)
	return value, nil
}
