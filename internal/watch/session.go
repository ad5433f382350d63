// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/entry"
	"github.com/wangjia184/sortedset"
)

// DefaultPollSize is the max. number of events returned
// by a single Poll if the caller does not specify a limit.
const DefaultPollSize = 100

// PollResult is the result of polling a watch session.
type PollResult struct {
	// Events are the matching events in revision order.
	Events []*Event

	// Revision is the revision of the session cursor after
	// the poll. The next poll only returns events with a
	// greater revision.
	Revision uint64

	// CompactRevision is the highest revision that has
	// been removed from the ready list.
	CompactRevision uint64
}

// session is a watch session. Its cursor is the
// revision of the last event the session consumed.
type session struct {
	id     string
	base   string
	filter Filter

	mu     sync.Mutex // held while polling
	cursor atomic.Uint64
	done   chan struct{}
}

// StartWatch starts a new watch session for the subtree
// base and returns the session ID.
//
// If startRevision is 0, the session receives events
// published after the session has been started.
// Otherwise, it receives all events with a revision
// >= startRevision. StartWatch returns ErrCompacted if
// events starting at startRevision are no longer
// available and ErrFutureRevision if startRevision is
// greater than the next revision to be published.
func (r *Repository) StartWatch(base string, filter Filter, startRevision uint64) (string, error) {
	nbase, err := entry.Normalize(base)
	if err != nil {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidBase, base)
	}
	if r.ctx.Err() != nil {
		return "", ErrClosed
	}
	s := &session{
		id:     uuid.NewString(),
		base:   nbase,
		filter: filter,
		done:   make(chan struct{}),
	}

	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	r.readyMu.RLock()
	switch {
	case startRevision == 0:
		s.cursor.Store(r.revision)
	case startRevision <= r.compacted:
		r.readyMu.RUnlock()
		return "", ErrCompacted
	case startRevision > r.revision+1:
		r.readyMu.RUnlock()
		return "", ErrFutureRevision
	default:
		s.cursor.Store(startRevision - 1)
	}
	r.readyMu.RUnlock()

	r.sessions[s.id] = s
	r.idle.AddOrUpdate(s.id, sortedset.SCORE(time.Now().UnixNano()), s)
	return s.id, nil
}

// Poll returns up to max events of the session that
// follow its cursor and advances the cursor. If there
// are no such events, Poll blocks until at least one
// is published, the session is torn down or ctx is
// done. If max <= 0, DefaultPollSize is used.
//
// Only one Poll per session runs at a time. Concurrent
// calls for the same session wait for each other.
func (r *Repository) Poll(ctx context.Context, id string, max int) (PollResult, error) {
	if max <= 0 {
		max = DefaultPollSize
	}
	s, err := r.session(id)
	if err != nil {
		return PollResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return PollResult{}, ErrSessionClosed
	default:
	}
	defer r.touch(s)

	for {
		r.readyMu.RLock()
		var (
			published = r.published
			compacted = r.compacted
			cursor    = s.cursor.Load()
			next      = cursor
			events    []*Event
		)
		if cursor < compacted {
			r.readyMu.RUnlock()
			return PollResult{Revision: cursor, CompactRevision: compacted}, ErrCompacted
		}
		r.ready.AscendGreaterOrEqual(&Event{Revision: cursor + 1}, func(event *Event) bool {
			next = event.Revision
			if entry.IsDescendant(event.DN, s.base) && s.filter.Match(event) {
				events = append(events, event)
			}
			return len(events) < max
		})
		r.readyMu.RUnlock()

		s.cursor.Store(next)
		if len(events) > 0 {
			return PollResult{
				Events:          events,
				Revision:        next,
				CompactRevision: compacted,
			}, nil
		}

		select {
		case <-published:
		case <-s.done:
			return PollResult{Revision: next, CompactRevision: compacted}, ErrSessionClosed
		case <-r.ctx.Done():
			return PollResult{Revision: next, CompactRevision: compacted}, ErrClosed
		case <-ctx.Done():
			return PollResult{Revision: next, CompactRevision: compacted}, ctx.Err()
		}
	}
}

// Cancel tears down the session. Subsequent operations
// on the session fail with ErrSessionClosed.
func (r *Repository) Cancel(id string) error {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		if _, ok = r.deleted.Get(id); ok {
			return ErrSessionClosed
		}
		return ErrNotFound
	}
	r.teardown(s)
	return nil
}

func (r *Repository) session(id string) (*session, error) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, ok := r.deleted.Get(id); ok {
		return nil, ErrSessionClosed
	}
	return nil, ErrNotFound
}

// touch marks the session as recently used, unless it
// has been torn down in the meantime.
func (r *Repository) touch(s *session) {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	if _, ok := r.sessions[s.id]; ok {
		r.idle.AddOrUpdate(s.id, sortedset.SCORE(time.Now().UnixNano()), s)
	}
}

// teardown removes the session and closes its done
// channel. The caller must hold the session lock.
func (r *Repository) teardown(s *session) {
	delete(r.sessions, s.id)
	r.idle.Remove(s.id)
	r.deleted.Set(s.id, struct{}{})
	close(s.done)
}

// expire tears down all sessions that have not been
// used within the session timeout and returns how many
// have been removed. Sessions that are currently polled
// are considered in use.
func (r *Repository) expire(now time.Time) int {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	var (
		deadline = now.Add(-r.sessionTimeout).UnixNano()
		busy     []*session
		n        int
	)
	for {
		node := r.idle.PeekMin()
		if node == nil || int64(node.Score()) > deadline {
			break
		}
		s := node.Value.(*session)
		if !s.mu.TryLock() {
			r.idle.Remove(s.id)
			busy = append(busy, s)
			continue
		}
		r.teardown(s)
		s.mu.Unlock()
		n++
	}
	for _, s := range busy {
		r.idle.AddOrUpdate(s.id, sortedset.SCORE(now.UnixNano()), s)
	}
	return n
}
