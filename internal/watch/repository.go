// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package watch implements the change notification
// engine of the directory.
//
// Committed entry changes are appended to the pending
// queue of a Repository. A notify goroutine decodes them
// in commit order, assigns each one the next revision
// and publishes it to the ready list. Watch sessions
// consume the ready list through a per-session cursor.
//
// Published events are shared by all sessions and must
// not be modified.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/google/btree"
	"github.com/minio/lwdir/internal/store"
	"github.com/wangjia184/sortedset"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("watch: session not found")

	// ErrSessionClosed is returned by operations on a session
	// that has been torn down, either explicitly or because
	// it has been idle for too long.
	ErrSessionClosed = errors.New("watch: session closed")

	// ErrCompacted is returned when the requested revision
	// has been removed from the ready list.
	ErrCompacted = errors.New("watch: revision has been compacted")

	// ErrFutureRevision is returned when a session should
	// start after the next revision to be published.
	ErrFutureRevision = errors.New("watch: revision has not been published yet")

	// ErrClosed is returned by operations on a closed
	// Repository.
	ErrClosed = errors.New("watch: repository closed")

	// ErrInvalidBase is returned when the base DN of a
	// watch session is malformed.
	ErrInvalidBase = errors.New("watch: invalid base DN")
)

// Config is a structure for configuring a Repository.
type Config struct {
	// SessionTimeout is the time after which a session
	// that has not been polled is torn down.
	// If <= 0, defaults to 5 minutes.
	SessionTimeout time.Duration

	// DeletedSessionTTL is how long the IDs of torn down
	// sessions are remembered. Operations on a remembered
	// session fail with ErrSessionClosed instead of
	// ErrNotFound. If <= 0, defaults to 10 minutes.
	DeletedSessionTTL time.Duration

	// Retention is the number of recent events kept in
	// the ready list even if all sessions have consumed
	// them. New sessions may start at any retained
	// revision. If < 0, defaults to 1024.
	Retention int

	// ReapInterval is the interval at which idle sessions
	// are torn down and the ready list is compacted.
	// If <= 0, defaults to a quarter of the SessionTimeout.
	ReapInterval time.Duration

	// Logger is used to log events that could not be
	// decoded. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Stats describes the state of a Repository.
type Stats struct {
	Revision        uint64 // Revision of the latest event
	CompactRevision uint64 // Highest revision removed from the ready list
	Pending         int    // Number of changes not yet published
	Ready           int    // Number of events in the ready list
	Sessions        int    // Number of active sessions
}

// Repository is the event repository. It starts a
// notify and a reaper goroutine that run until the
// Repository is closed.
type Repository struct {
	sessionTimeout time.Duration
	retention      uint64
	log            *slog.Logger

	mu      sync.Mutex
	pending []store.Change
	signal  chan struct{}

	readyMu   sync.RWMutex
	ready     *btree.BTreeG[*Event]
	revision  uint64
	compacted uint64
	published chan struct{}

	sessionMu sync.Mutex
	sessions  map[string]*session
	idle      *sortedset.SortedSet
	deleted   *ttlcache.Cache

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a new Repository and starts its notify
// and reaper goroutines.
func New(config *Config) *Repository {
	var (
		sessionTimeout = config.SessionTimeout
		deletedTTL     = config.DeletedSessionTTL
		retention      = config.Retention
		reapInterval   = config.ReapInterval
		logger         = config.Logger
	)
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Minute
	}
	if deletedTTL <= 0 {
		deletedTTL = 10 * time.Minute
	}
	if retention < 0 {
		retention = 1024
	}
	if reapInterval <= 0 {
		reapInterval = sessionTimeout / 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	deleted := ttlcache.NewCache()
	deleted.SetTTL(deletedTTL)

	ctx, stop := context.WithCancel(context.Background())
	r := &Repository{
		sessionTimeout: sessionTimeout,
		retention:      uint64(retention),
		log:            logger,
		signal:         make(chan struct{}, 1),
		ready:          btree.NewG(16, func(a, b *Event) bool { return a.Revision < b.Revision }),
		published:      make(chan struct{}),
		sessions:       map[string]*session{},
		idle:           sortedset.New(),
		deleted:        deleted,
		ctx:            ctx,
		stop:           stop,
	}
	r.wg.Add(2)
	go r.notify()
	go r.reap(reapInterval)
	return r
}

// Lock locks the pending queue of the repository.
// It must be held when calling AddPendingLocked.
func (r *Repository) Lock() { r.mu.Lock() }

// Unlock unlocks the pending queue.
func (r *Repository) Unlock() { r.mu.Unlock() }

// AddPending appends a committed change to the
// pending queue.
func (r *Repository) AddPending(c store.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.AddPendingLocked(c)
}

// AddPendingLocked appends a committed change to the
// pending queue. The caller must hold the repository
// lock.
func (r *Repository) AddPendingLocked(c store.Change) {
	r.pending = append(r.pending, c)
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Revision returns the revision of the most recently
// published event, or 0 if no event has been published.
func (r *Repository) Revision() uint64 {
	r.readyMu.RLock()
	defer r.readyMu.RUnlock()

	return r.revision
}

// Stats returns the current repository statistics.
func (r *Repository) Stats() Stats {
	r.mu.Lock()
	pending := len(r.pending)
	r.mu.Unlock()

	r.sessionMu.Lock()
	sessions := len(r.sessions)
	r.sessionMu.Unlock()

	r.readyMu.RLock()
	defer r.readyMu.RUnlock()
	return Stats{
		Revision:        r.revision,
		CompactRevision: r.compacted,
		Pending:         pending,
		Ready:           r.ready.Len(),
		Sessions:        sessions,
	}
}

// Close stops the notify and reaper goroutines and
// tears down all sessions. Pending changes that have
// not been published yet are dropped.
func (r *Repository) Close() error {
	r.closeOnce.Do(func() {
		r.stop()
		r.wg.Wait()

		r.sessionMu.Lock()
		for _, s := range r.sessions {
			r.teardown(s)
		}
		r.sessionMu.Unlock()
		r.deleted.Close()
	})
	return nil
}

// notify publishes pending changes in FIFO order.
func (r *Repository) notify() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.signal:
		}

		r.mu.Lock()
		pending := r.pending
		r.pending = nil
		r.mu.Unlock()

		for _, c := range pending {
			r.publish(Decode(c))
		}
	}
}

// publish assigns the next revision to the event,
// inserts it into the ready list and wakes up all
// waiting sessions.
func (r *Repository) publish(event *Event) {
	if !event.Successful {
		r.log.Warn("watch: failed to decode entry change", "dn", event.DN, "op", event.Op.String())
	}

	r.readyMu.Lock()
	defer r.readyMu.Unlock()

	r.revision++
	event.Revision = r.revision
	r.ready.ReplaceOrInsert(event)

	close(r.published)
	r.published = make(chan struct{})
}

// reap tears down idle sessions and compacts
// the ready list periodically.
func (r *Repository) reap(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.expire(now); n > 0 {
				r.log.Debug("watch: removed idle sessions", "sessions", n)
			}
			r.compact()
		}
	}
}

// compact removes all events from the ready list that
// every active session has consumed, except the most
// recent events within the retention limit.
func (r *Repository) compact() {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	r.readyMu.Lock()
	defer r.readyMu.Unlock()

	if r.revision <= r.retention {
		return
	}
	limit := r.revision - r.retention
	for _, s := range r.sessions {
		if cursor := s.cursor.Load(); cursor < limit {
			limit = cursor
		}
	}
	for {
		event, ok := r.ready.Min()
		if !ok || event.Revision > limit {
			break
		}
		r.ready.DeleteMin()
	}
	if limit > r.compacted {
		r.compacted = limit
	}
}
