// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package cache provides concurrency primitives for
// read-mostly state, like the set of replication
// partners, shared by many goroutines.
package cache

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// Cow is a copy-on-write map. Reads never block and
// always observe a consistent snapshot. Every write
// copies the map.
//
// The zero value is an empty Cow. A Cow must not be
// copied after first use.
type Cow[K comparable, V any] struct {
	mu  sync.Mutex // serializes writers
	ptr atomic.Pointer[map[K]V]
}

// Get returns the value associated with key, if any.
func (c *Cow[K, V]) Get(key K) (v V, ok bool) {
	if m := c.ptr.Load(); m != nil {
		v, ok = (*m)[key]
	}
	return
}

// Set associates key with value, replacing any existing value.
func (c *Cow[K, V]) Set(key K, value V) {
	c.update(func(m map[K]V) bool {
		m[key] = value
		return true
	})
}

// Add associates key with value if no value is present.
// It reports whether the value has been added.
func (c *Cow[K, V]) Add(key K, value V) bool {
	return c.update(func(m map[K]V) bool {
		if _, ok := m[key]; ok {
			return false
		}
		m[key] = value
		return true
	})
}

// Delete removes key. It reports whether key was present.
func (c *Cow[K, V]) Delete(key K) bool {
	return c.update(func(m map[K]V) bool {
		if _, ok := m[key]; !ok {
			return false
		}
		delete(m, key)
		return true
	})
}

// Keys returns all keys of the current snapshot in
// no particular order.
func (c *Cow[K, V]) Keys() []K {
	if m := c.ptr.Load(); m != nil {
		return maps.Keys(*m)
	}
	return []K{}
}

// Len returns the number of keys of the current snapshot.
func (c *Cow[K, V]) Len() int {
	if m := c.ptr.Load(); m != nil {
		return len(*m)
	}
	return 0
}

// update applies f to a copy of the current map and
// publishes the copy if f returns true.
func (c *Cow[K, V]) update(f func(map[K]V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var w map[K]V
	if r := c.ptr.Load(); r != nil {
		w = make(map[K]V, len(*r)+1)
		maps.Copy(w, *r)
	} else {
		w = make(map[K]V, 1)
	}
	if !f(w) {
		return false
	}
	c.ptr.Store(&w)
	return true
}
