// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package store

import (
	"encoding/binary"

	"github.com/minio/lwdir/internal/entry"
	bolt "go.etcd.io/bbolt"
)

const (
	dbEntryBucket = "entry" // entry ID -> entry
	dbDNBucket    = "dn"    // DN key   -> entry ID of the live entry
	dbGUIDBucket  = "guid"  // GUID     -> entry ID
	dbUSNBucket   = "usn"   // USN      -> entry ID, one USN per entry
	dbMetaBucket  = "meta"  // store metadata

	dbOriginKey = "origin" // server ID of changes without explicit origin
)

var dbBuckets = []string{dbEntryBucket, dbDNBucket, dbGUIDBucket, dbUSNBucket, dbMetaBucket}

// buckets holds all store buckets of one transaction.
type buckets struct {
	entry, dn, guid, usn, meta *bolt.Bucket
}

func openBuckets(tx *bolt.Tx) (*buckets, error) {
	b := &buckets{
		entry: tx.Bucket([]byte(dbEntryBucket)),
		dn:    tx.Bucket([]byte(dbDNBucket)),
		guid:  tx.Bucket([]byte(dbGUIDBucket)),
		usn:   tx.Bucket([]byte(dbUSNBucket)),
		meta:  tx.Bucket([]byte(dbMetaBucket)),
	}
	if b.entry == nil || b.dn == nil || b.guid == nil || b.usn == nil || b.meta == nil {
		return nil, &BackendError{Op: "open buckets", Err: bolt.ErrBucketNotFound}
	}
	return b, nil
}

func itob(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func readEntry(b *buckets, id uint64) (*entry.Entry, error) {
	v := b.entry.Get(itob(id))
	if v == nil {
		return nil, nil
	}
	e, err := entry.Decode(v)
	if err != nil {
		return nil, &BackendError{Op: "decode entry", Err: err}
	}
	return e, nil
}

// readDN returns the live entry with the normalized
// DN or nil if no such entry exists.
func readDN(b *buckets, dn string) (*entry.Entry, error) {
	id := b.dn.Get([]byte(entry.Key(dn)))
	if id == nil {
		return nil, nil
	}
	return readEntry(b, btoi(id))
}

// readGUID returns the entry, live or tombstone, with
// the GUID or nil if no such entry exists.
func readGUID(b *buckets, guid []byte) (*entry.Entry, error) {
	id := b.guid.Get(guid)
	if id == nil {
		return nil, nil
	}
	return readEntry(b, btoi(id))
}

// writeEntry stores the after-image of an entry and
// updates all indexes. The before-image is nil when
// the entry is new.
func writeEntry(b *buckets, before, after *entry.Entry) error {
	if before != nil {
		if err := b.usn.Delete(itob(before.USN)); err != nil {
			return &BackendError{Op: "delete USN", Err: err}
		}
		if !before.Tombstone && (after.Tombstone || before.DN != after.DN) {
			if err := b.dn.Delete([]byte(entry.Key(before.DN))); err != nil {
				return &BackendError{Op: "delete DN", Err: err}
			}
		}
	}

	id := itob(after.ID)
	if err := b.entry.Put(id, entry.Encode(after)); err != nil {
		return &BackendError{Op: "write entry", Err: err}
	}
	if err := b.usn.Put(itob(after.USN), id); err != nil {
		return &BackendError{Op: "write USN", Err: err}
	}
	if err := b.guid.Put(after.GUID[:], id); err != nil {
		return &BackendError{Op: "write GUID", Err: err}
	}
	if !after.Tombstone {
		if err := b.dn.Put([]byte(entry.Key(after.DN)), id); err != nil {
			return &BackendError{Op: "write DN", Err: err}
		}
	}
	return nil
}
