// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"encoding/binary"
	"fmt"

	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/raft"
	bolt "go.etcd.io/bbolt"
)

const (
	dbClusterBucket = "cluster"
	dbLogBucket     = "raft.log" // log index -> msgp log entry
)

const (
	dbIDKey      = "id"
	dbAddrKey    = "addr"
	dbMembersKey = "members"
	dbTermKey    = "term"
	dbVoteKey    = "vote"
	dbAppliedKey = "applied"
	dbLogBaseKey = "log.base" // last compacted log entry, without data
)

// logStorage is a raft.Storage that keeps the log, the
// current term and the vote of a server in its database.
type logStorage struct {
	db *bolt.DB
}

var _ raft.Storage = logStorage{}

func (s logStorage) State() (term uint64, votedFor string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbClusterBucket))
		if b == nil {
			return nil
		}
		term = btoi(b.Get([]byte(dbTermKey)))
		votedFor = string(b.Get([]byte(dbVoteKey)))
		return nil
	})
	return term, votedFor, err
}

func (s logStorage) SetState(term uint64, votedFor string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(dbClusterBucket))
		if err != nil {
			return err
		}
		if err = b.Put([]byte(dbTermKey), itob(term)); err != nil {
			return err
		}
		return b.Put([]byte(dbVoteKey), []byte(votedFor))
	})
}

func (s logStorage) FirstIndex() (index uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		base, err := readLogBase(tx)
		index = base.Index + 1
		return err
	})
	return index, err
}

func (s logStorage) LastIndex() (index uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) (err error) {
		index, err = lastLogIndex(tx)
		return err
	})
	return index, err
}

func (s logStorage) Term(index uint64) (term uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		base, err := readLogBase(tx)
		if err != nil {
			return err
		}
		switch {
		case index == base.Index:
			term = base.Term
			return nil
		case index < base.Index:
			return raft.ErrCompacted
		}

		e, err := readLogEntry(tx, index)
		if err != nil {
			return err
		}
		term = e.Term
		return nil
	})
	return term, err
}

func (s logStorage) Entries(lo, hi uint64) (entries []raft.LogEntry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		base, err := readLogBase(tx)
		if err != nil {
			return err
		}
		if lo <= base.Index {
			return raft.ErrCompacted
		}

		b := tx.Bucket([]byte(dbLogBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(itob(lo)); k != nil && btoi(k) < hi; k, v = c.Next() {
			var e raft.LogEntry
			if err = decodeLogEntry(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s logStorage) Append(entries ...raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		last, err := lastLogIndex(tx)
		if err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists([]byte(dbLogBucket))
		if err != nil {
			return err
		}
		for i := range entries {
			if entries[i].Index != last+1 {
				return fmt.Errorf("lwdir: cannot append log entry %d after %d", entries[i].Index, last)
			}
			v, err := entries[i].MarshalMsg(nil)
			if err != nil {
				return err
			}
			if err = b.Put(itob(entries[i].Index), v); err != nil {
				return err
			}
			last = entries[i].Index
		}
		return nil
	})
}

func (s logStorage) Truncate(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		base, err := readLogBase(tx)
		if err != nil {
			return err
		}
		if index < base.Index {
			return raft.ErrCompacted
		}

		b := tx.Bucket([]byte(dbLogBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(itob(index + 1)); k != nil; k, _ = c.Seek(itob(index + 1)) {
			if err = c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s logStorage) Compact(index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		base, err := readLogBase(tx)
		if err != nil {
			return err
		}
		if index <= base.Index {
			return nil
		}
		last, err := lastLogIndex(tx)
		if err != nil {
			return err
		}
		if index > last {
			return fmt.Errorf("lwdir: cannot compact log beyond last entry %d", last)
		}

		e, err := readLogEntry(tx, index)
		if err != nil {
			return err
		}
		b := tx.Bucket([]byte(dbLogBucket))
		c := b.Cursor()
		for k, _ := c.First(); k != nil && btoi(k) <= index; k, _ = c.First() {
			if err = c.Delete(); err != nil {
				return err
			}
		}
		return writeLogBase(tx, raft.LogEntry{Index: e.Index, Term: e.Term})
	})
}

// readApplied returns the index of the last log entry
// applied to the directory.
func readApplied(tx *bolt.Tx) uint64 {
	b := tx.Bucket([]byte(dbClusterBucket))
	if b == nil {
		return 0
	}
	return btoi(b.Get([]byte(dbAppliedKey)))
}

// writeApplied stores the index of the last log entry
// applied to the directory.
func writeApplied(tx *bolt.Tx, index uint64) error {
	b, err := tx.CreateBucketIfNotExists([]byte(dbClusterBucket))
	if err != nil {
		return err
	}
	return b.Put([]byte(dbAppliedKey), itob(index))
}

func readLogBase(tx *bolt.Tx) (raft.LogEntry, error) {
	var base raft.LogEntry
	b := tx.Bucket([]byte(dbClusterBucket))
	if b == nil {
		return base, nil
	}
	v := b.Get([]byte(dbLogBaseKey))
	if v == nil {
		return base, nil
	}
	err := decodeLogEntry(v, &base)
	return base, err
}

func writeLogBase(tx *bolt.Tx, base raft.LogEntry) error {
	b, err := tx.CreateBucketIfNotExists([]byte(dbClusterBucket))
	if err != nil {
		return err
	}
	v, err := base.MarshalMsg(nil)
	if err != nil {
		return err
	}
	return b.Put([]byte(dbLogBaseKey), v)
}

func lastLogIndex(tx *bolt.Tx) (uint64, error) {
	if b := tx.Bucket([]byte(dbLogBucket)); b != nil {
		if k, _ := b.Cursor().Last(); k != nil {
			return btoi(k), nil
		}
	}
	base, err := readLogBase(tx)
	return base.Index, err
}

func readLogEntry(tx *bolt.Tx, index uint64) (raft.LogEntry, error) {
	var e raft.LogEntry
	b := tx.Bucket([]byte(dbLogBucket))
	if b == nil {
		return e, fmt.Errorf("lwdir: log entry %d does not exist", index)
	}
	v := b.Get(itob(index))
	if v == nil {
		return e, fmt.Errorf("lwdir: log entry %d does not exist", index)
	}
	err := decodeLogEntry(v, &e)
	return e, err
}

// decodeLogEntry decodes v into e. The entry data does
// not alias v, which is only valid within its transaction.
func decodeLogEntry(v []byte, e *raft.LogEntry) error {
	if err := xmsgp.Unmarshal(v, e); err != nil {
		return fmt.Errorf("lwdir: invalid log entry: %v", err)
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
