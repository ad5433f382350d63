// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cache

import "sync"

// Barrier is a set of mutual exclusion locks, one per
// key K. Goroutines locking different keys do not block
// each other. A key consumes memory only while it is
// locked or waited on.
//
// The zero value is a Barrier with all keys unlocked.
// A Barrier must not be copied after first use.
type Barrier[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int // holder and waiters
}

// Lock locks key. If key is already locked, the calling
// goroutine blocks until key is available.
func (b *Barrier[K]) Lock(key K) {
	b.mu.Lock()
	if b.locks == nil {
		b.locks = map[K]*keyLock{}
	}
	l, ok := b.locks[key]
	if !ok {
		l = new(keyLock)
		b.locks[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.Lock()
}

// Unlock unlocks key. It panics if key is not locked.
//
// Like a sync.Mutex, a key may be unlocked by another
// goroutine than the one that locked it.
func (b *Barrier[K]) Unlock(key K) {
	b.mu.Lock()
	l, ok := b.locks[key]
	if !ok {
		b.mu.Unlock()
		panic("cache: unlock of unlocked Barrier key")
	}
	if l.refs--; l.refs == 0 {
		delete(b.locks, key)
	}
	b.mu.Unlock()

	l.Unlock()
}
