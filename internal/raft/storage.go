// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"fmt"
	"sync"
)

// MemStorage is an in-memory Storage. It is mainly
// useful for tests and for nodes whose state does not
// need to survive a restart.
//
// The zero value is an empty log ready for use.
type MemStorage struct {
	mu       sync.Mutex
	term     uint64
	votedFor string

	base    LogEntry // last compacted entry, without data
	entries []LogEntry
}

var _ Storage = (*MemStorage)(nil)

// State returns the term and vote.
func (s *MemStorage) State() (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.term, s.votedFor, nil
}

// SetState stores the term and vote.
func (s *MemStorage) SetState(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.term, s.votedFor = term, votedFor
	return nil
}

// FirstIndex returns the index of the first entry
// that has not been compacted.
func (s *MemStorage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.base.Index + 1, nil
}

// LastIndex returns the index of the last entry.
func (s *MemStorage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastIndex(), nil
}

// Term returns the term of the entry at index.
func (s *MemStorage) Term(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case index == s.base.Index:
		return s.base.Term, nil
	case index < s.base.Index:
		return 0, ErrCompacted
	case index > s.lastIndex():
		return 0, fmt.Errorf("raft: log entry %d does not exist", index)
	}
	return s.entries[index-s.base.Index-1].Term, nil
}

// Entries returns the entries in [lo, hi).
func (s *MemStorage) Entries(lo, hi uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo <= s.base.Index {
		return nil, ErrCompacted
	}
	if hi > s.lastIndex()+1 {
		hi = s.lastIndex() + 1
	}
	if lo >= hi {
		return nil, nil
	}
	entries := make([]LogEntry, hi-lo)
	copy(entries, s.entries[lo-s.base.Index-1:hi-s.base.Index-1])
	return entries, nil
}

// Append appends the entries to the log.
func (s *MemStorage) Append(entries ...LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.Index != s.lastIndex()+1 {
			return fmt.Errorf("raft: cannot append log entry %d after %d", e.Index, s.lastIndex())
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

// Truncate removes all entries following index.
func (s *MemStorage) Truncate(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.base.Index {
		return ErrCompacted
	}
	if index < s.lastIndex() {
		s.entries = s.entries[:index-s.base.Index]
	}
	return nil
}

// Compact removes all entries up to and including index.
func (s *MemStorage) Compact(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.base.Index {
		return nil
	}
	if index > s.lastIndex() {
		return fmt.Errorf("raft: cannot compact log beyond last entry %d", s.lastIndex())
	}
	n := index - s.base.Index
	s.base = LogEntry{Index: index, Term: s.entries[n-1].Term}
	s.entries = append([]LogEntry(nil), s.entries[n:]...)
	return nil
}

func (s *MemStorage) lastIndex() uint64 { return s.base.Index + uint64(len(s.entries)) }
