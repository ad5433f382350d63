// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"fmt"

	"github.com/minio/lwdir/internal/entry"
	bolt "go.etcd.io/bbolt"
)

// Get returns the live entry with the given DN.
func (s *Store) Get(tx *bolt.Tx, dn string) (*entry.Entry, error) {
	ndn, err := entry.Normalize(dn)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DN '%s'", ErrInvalidParameter, dn)
	}
	b, err := openBuckets(tx)
	if err != nil {
		return nil, err
	}
	e, err := readDN(b, ndn)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// GetByID returns the entry, live or tombstone, with
// the given local entry ID.
func (s *Store) GetByID(tx *bolt.Tx, id uint64) (*entry.Entry, error) {
	b, err := openBuckets(tx)
	if err != nil {
		return nil, err
	}
	e, err := readEntry(b, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// Search calls fn for the live entry with the DN base,
// if any, and all live entries below base. Entries are
// visited in DN key order, parents before children.
// Search stops and returns the first error returned
// by fn.
func (s *Store) Search(tx *bolt.Tx, base string, fn func(*entry.Entry) error) error {
	nbase, err := entry.Normalize(base)
	if err != nil {
		return fmt.Errorf("%w: invalid DN '%s'", ErrInvalidParameter, base)
	}
	b, err := openBuckets(tx)
	if err != nil {
		return err
	}

	visit := func(id []byte) error {
		e, err := readEntry(b, btoi(id))
		if err != nil {
			return err
		}
		if e == nil {
			return &BackendError{Op: "search", Err: fmt.Errorf("dangling DN index for entry %d", btoi(id))}
		}
		return fn(e)
	}

	c := b.dn.Cursor()
	if nbase == "" {
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err = visit(v); err != nil {
				return err
			}
		}
		return nil
	}

	key := []byte(entry.Key(nbase))
	if v := b.dn.Get(key); v != nil {
		if err = visit(v); err != nil {
			return err
		}
	}
	prefix := append(key, ',')
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err = visit(v); err != nil {
			return err
		}
	}
	return nil
}

// Changes calls fn for all entries, live and tombstones,
// whose last change has a local USN greater than after,
// in USN order, until fn returns false.
func (s *Store) Changes(tx *bolt.Tx, after uint64, fn func(*entry.Entry) bool) error {
	b, err := openBuckets(tx)
	if err != nil {
		return err
	}

	c := b.usn.Cursor()
	for k, v := c.Seek(itob(after + 1)); k != nil; k, v = c.Next() {
		e, err := readEntry(b, btoi(v))
		if err != nil {
			return err
		}
		if e == nil {
			return &BackendError{Op: "list changes", Err: fmt.Errorf("dangling USN index for entry %d", btoi(v))}
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// Stats contains statistics about the entry store.
type Stats struct {
	Entries    int    // Number of live entries
	HighestUSN uint64 // Highest local USN assigned so far
}

// Stats returns statistics about the entry store.
func (s *Store) Stats(tx *bolt.Tx) (Stats, error) {
	b, err := openBuckets(tx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Entries:    b.dn.Stats().KeyN,
		HighestUSN: b.usn.Sequence(),
	}, nil
}

// HighestUSN returns the highest local USN assigned
// so far, or 0 if no entry has been committed.
func (s *Store) HighestUSN(tx *bolt.Tx) (uint64, error) {
	b, err := openBuckets(tx)
	if err != nil {
		return 0, err
	}
	return b.usn.Sequence(), nil
}
