// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package store implements the directory entry store
// on top of a bbolt database.
//
// Entries are committed within bbolt write transactions
// opened through Store.Update. Each commit assigns a new,
// strictly increasing local update sequence number (USN)
// and indexes the entry by DN, GUID and USN.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/schema"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrInvalidParameter is returned when a commit is
	// not part of a valid write transaction or the entry
	// is malformed.
	ErrInvalidParameter = errors.New("store: invalid parameter")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("store: entry not found")

	// ErrExists is returned when adding an entry whose
	// DN is already in use by a live entry.
	ErrExists = errors.New("store: entry already exists")
)

// BackendError is a failure of the storage engine, for
// example a full disk or a corrupted record.
type BackendError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *BackendError) Error() string { return "store: backend failed to " + e.Op + ": " + e.Err.Error() }

// Unwrap returns the underlying storage error.
func (e *BackendError) Unwrap() error { return e.Err }

// Change describes a committed entry mutation. Before
// and After are the MessagePack encoded entry images.
// Before is nil for newly added entries.
type Change struct {
	Op     entry.Op
	DN     string
	USN    uint64
	Before []byte
	After  []byte
}

// Config is a structure for configuring a Store.
type Config struct {
	// ServerID is the ID of the local server. It becomes
	// the origin of all locally originated changes unless
	// another origin has been set with SetOrigin.
	ServerID string

	// Schema is the schema cache used to check entries
	// and to serialize schema subtree writes.
	Schema *schema.Cache

	// Notify, if not nil, is called with all changes of
	// a transaction once the transaction has committed.
	Notify func(Change)

	// Logger is used to report failures after a transaction
	// has committed. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Store is the directory entry store.
type Store struct {
	db       *bolt.DB
	serverID string
	schema   *schema.Cache
	notify   func(Change)
	log      *slog.Logger

	// Write transactions take a ticket while holding the
	// database write lock. Their changes are published in
	// ticket order, which is the commit order.
	pubMu     sync.Mutex
	pubCond   *sync.Cond
	tickets   uint64
	published uint64

	mu  sync.Mutex
	txs map[*bolt.Tx]*txState
}

// txState tracks the state of a write transaction
// opened by Store.Update.
type txState struct {
	ticket    uint64
	ticketed  bool
	committed bool

	schemaLocked bool
	patches      []*schema.Definition
	changes      []Change
}

// Open returns a new Store that stores entries in
// the database. It creates all required buckets.
func Open(db *bolt.DB, config *Config) (*Store, error) {
	if config.ServerID == "" {
		return nil, errors.New("store: no server ID specified")
	}
	if config.Schema == nil {
		return nil, errors.New("store: no schema specified")
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range dbBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &BackendError{Op: "create buckets", Err: err}
	}

	s := &Store{
		db:       db,
		serverID: config.ServerID,
		schema:   config.Schema,
		notify:   config.Notify,
		log:      config.Logger,
		txs:      map[*bolt.Tx]*txState{},
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.pubCond = sync.NewCond(&s.pubMu)
	if err = s.loadSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// ServerID returns the ID of the local server.
func (s *Store) ServerID() string { return s.serverID }

// Origin returns the server ID that becomes the origin
// of changes committed without an explicit origin. It is
// the ID set by SetOrigin or, if none has been set, the
// ID of the local server.
func (s *Store) Origin(tx *bolt.Tx) string {
	if b := tx.Bucket([]byte(dbMetaBucket)); b != nil {
		if v := b.Get([]byte(dbOriginKey)); v != nil {
			return string(v)
		}
	}
	return s.serverID
}

// SetOrigin makes id the origin of all changes committed
// without an explicit origin, unless the store has an
// origin already. Stores that apply the same sequence of
// transactions thereby assign identical origins.
func (s *Store) SetOrigin(tx *bolt.Tx, id string) error {
	if _, err := s.state(tx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty origin", ErrInvalidParameter)
	}

	b := tx.Bucket([]byte(dbMetaBucket))
	if b == nil {
		return &BackendError{Op: "open buckets", Err: bolt.ErrBucketNotFound}
	}
	if b.Get([]byte(dbOriginKey)) != nil {
		return nil
	}
	if err := b.Put([]byte(dbOriginKey), []byte(id)); err != nil {
		return &BackendError{Op: "write origin", Err: err}
	}
	return nil
}

// Schema returns the schema cache of the store.
func (s *Store) Schema() *schema.Cache { return s.schema }

// Update executes fn within a write transaction. Changes
// made by fn via Commit or Apply become visible atomically
// once fn returns nil. If fn returns an error, the
// transaction is rolled back.
//
// Changes are published in commit order once the
// transaction has committed. The schema-modification
// mutex, if acquired by a commit to the schema subtree,
// is held until the schema definitions of the transaction
// have been published or the transaction rolled back.
// Hence, a subsequent schema change is always validated
// against the schema including all committed changes.
func (s *Store) Update(fn func(*bolt.Tx) error) error {
	var (
		tx    *bolt.Tx
		state = new(txState)
	)
	defer func() {
		if tx != nil {
			s.mu.Lock()
			delete(s.txs, tx)
			s.mu.Unlock()
		}
		if state.ticketed {
			s.publish(state)
		}
		if state.schemaLocked {
			s.schema.Unlock()
		}
	}()

	var fnErr error
	err := s.db.Update(func(t *bolt.Tx) error {
		tx = t
		s.mu.Lock()
		s.txs[tx] = state
		s.mu.Unlock()

		s.pubMu.Lock()
		state.ticket, state.ticketed = s.tickets, true
		s.tickets++
		s.pubMu.Unlock()

		tx.OnCommit(func() { state.committed = true })
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil && err != fnErr {
		return &BackendError{Op: "commit transaction", Err: err}
	}
	return err
}

// View executes fn within a read-only transaction.
func (s *Store) View(fn func(*bolt.Tx) error) error { return s.db.View(fn) }

// Commit applies a mutation of the given kind to the
// entry within the write transaction tx.
//
// For OpAdd and OpModify, e is the complete after-image
// of the entry. For OpDelete only the DN is used and the
// entry is turned into a tombstone. If e has a non-zero
// origin or version, they are kept. Otherwise, the change
// originates from the store's Origin at the new USN.
//
// If the entry is located in the schema subtree, Commit
// acquires the schema-modification mutex and publishes
// the contained schema definitions once tx commits.
//
// Commit returns ErrInvalidParameter if tx has not been
// opened by Update, ErrExists or ErrNotFound if the DN
// is already used or does not exist and an error
// wrapping schema.ErrConstraintViolation if the entry
// violates the schema. Commit does not write anything
// when it returns an error.
func (s *Store) Commit(tx *bolt.Tx, e *entry.Entry, op entry.Op) error {
	state, err := s.state(tx)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrInvalidParameter
	}
	dn, err := entry.Normalize(e.DN)
	if err != nil || dn == "" {
		return fmt.Errorf("%w: invalid DN '%s'", ErrInvalidParameter, e.DN)
	}
	if entry.IsDescendant(dn, schema.NamingContext) && !state.schemaLocked {
		s.schema.Lock()
		state.schemaLocked = true
	}

	b, err := openBuckets(tx)
	if err != nil {
		return err
	}
	before, err := readDN(b, dn)
	if err != nil {
		return err
	}

	var after *entry.Entry
	switch op {
	case entry.OpAdd:
		if before != nil {
			return ErrExists
		}
		id, err := b.entry.NextSequence()
		if err != nil {
			return &BackendError{Op: "allocate entry ID", Err: err}
		}
		after = e.Clone()
		after.ID = id
		after.Tombstone = false
		if after.GUID == uuid.Nil {
			after.GUID = uuid.New()
		}
		if after.Version == 0 {
			after.Version = 1
		}
	case entry.OpModify:
		if before == nil {
			return ErrNotFound
		}
		after = e.Clone()
		after.ID, after.GUID, after.Tombstone = before.ID, before.GUID, false
		if after.Version <= before.Version {
			after.Version = before.Version + 1
		}
	case entry.OpDelete:
		if before == nil {
			return ErrNotFound
		}
		after = before.Clone()
		after.Tombstone = true
		after.Version = before.Version + 1
		if e.Version > after.Version {
			after.Version = e.Version
		}
	default:
		return fmt.Errorf("%w: invalid operation '%s'", ErrInvalidParameter, op)
	}
	after.DN = dn

	if op != entry.OpDelete {
		snapshot := s.schema.Acquire()
		err = snapshot.Check(after)
		snapshot.Release()
		if err != nil {
			return err
		}
		if err = s.stageSchema(state, after); err != nil {
			return err
		}
	}

	// An entry read from the store and committed again still
	// carries the origin of its previous change.
	origin := e.Origin
	if before != nil && origin == before.Origin {
		origin = entry.Origin{}
	}
	return s.write(b, state, op, before, after, origin)
}

// Apply applies an entry received from a replication
// partner within the write transaction tx.
//
// Entries are matched by GUID. The remote entry is only
// applied if it records a newer change than the local
// copy, as defined by entry.Compare. Apply reports
// whether the entry has been applied. Applying the same
// entry twice is a no-op.
//
// If the DN of the remote entry is used by another live
// entry, the newer of both wins and the other becomes a
// tombstone.
func (s *Store) Apply(tx *bolt.Tx, remote *entry.Entry) (bool, error) {
	state, err := s.state(tx)
	if err != nil {
		return false, err
	}
	if remote == nil || remote.GUID == uuid.Nil || remote.Origin.IsZero() {
		return false, ErrInvalidParameter
	}
	dn, err := entry.Normalize(remote.DN)
	if err != nil || dn == "" {
		return false, fmt.Errorf("%w: invalid DN '%s'", ErrInvalidParameter, remote.DN)
	}
	if entry.IsDescendant(dn, schema.NamingContext) && !state.schemaLocked {
		s.schema.Lock()
		state.schemaLocked = true
	}

	b, err := openBuckets(tx)
	if err != nil {
		return false, err
	}
	local, err := readGUID(b, remote.GUID[:])
	if err != nil {
		return false, err
	}
	if local != nil && entry.Compare(remote, local) <= 0 {
		return false, nil
	}

	after := remote.Clone()
	after.DN = dn
	if !after.Tombstone {
		conflict, err := readDN(b, dn)
		if err != nil {
			return false, err
		}
		if conflict != nil && conflict.GUID != after.GUID {
			if entry.Compare(after, conflict) <= 0 {
				return false, nil
			}
			loser := conflict.Clone()
			loser.Tombstone = true
			loser.Version = conflict.Version + 1
			if err = s.write(b, state, entry.OpDelete, conflict, loser, entry.Origin{}); err != nil {
				return false, err
			}
		}
	}

	var op entry.Op
	switch {
	case local == nil && after.Tombstone:
		op = 0 // unknown entry deleted remotely: keep the tombstone only
	case local == nil || (local.Tombstone && !after.Tombstone):
		op = entry.OpAdd
	case after.Tombstone && !local.Tombstone:
		op = entry.OpDelete
	case after.Tombstone:
		op = 0
	default:
		op = entry.OpModify
	}

	if local == nil {
		id, err := b.entry.NextSequence()
		if err != nil {
			return false, &BackendError{Op: "allocate entry ID", Err: err}
		}
		after.ID = id
	} else {
		after.ID = local.ID
	}
	if !after.Tombstone {
		if err = s.stageSchema(state, after); err != nil {
			return false, err
		}
	}
	if err = s.write(b, state, op, local, after, after.Origin); err != nil {
		return false, err
	}
	return true, nil
}

// Backup writes a consistent copy of the entire
// database to w.
func (s *Store) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// write assigns a new USN to the after-image, sets its
// origin and stores it. A non-zero op records a Change
// that is published once the transaction commits.
func (s *Store) write(b *buckets, state *txState, op entry.Op, before, after *entry.Entry, origin entry.Origin) error {
	usn, err := b.usn.NextSequence()
	if err != nil {
		return &BackendError{Op: "allocate USN", Err: err}
	}
	after.USN = usn
	if origin.IsZero() {
		after.Origin = entry.Origin{ServerID: s.origin(b), USN: usn}
	} else {
		after.Origin = origin
	}
	if err = writeEntry(b, before, after); err != nil {
		return err
	}

	if op != 0 {
		change := Change{
			Op:    op,
			DN:    after.DN,
			USN:   usn,
			After: entry.Encode(after),
		}
		if before != nil && !before.Tombstone {
			change.Before = entry.Encode(before)
		}
		state.changes = append(state.changes, change)
	}
	return nil
}

// stageSchema validates the schema definitions of an
// entry in the schema subtree and stages them for
// publication on commit.
func (s *Store) stageSchema(state *txState, e *entry.Entry) error {
	if !entry.IsDescendant(e.DN, schema.NamingContext) {
		return nil
	}
	defs, err := schema.FromEntry(e)
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrConstraintViolation, err)
	}
	if len(defs) == 0 {
		return nil
	}

	staged := append(append([]*schema.Definition(nil), state.patches...), defs...)
	if err = s.schema.Validate(staged); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrConstraintViolation, err)
	}
	state.patches = staged
	return nil
}

// publish waits until all transactions that committed
// before the given one have been published and then
// publishes its schema definitions and changes, if it
// has committed.
func (s *Store) publish(state *txState) {
	s.pubMu.Lock()
	for s.published != state.ticket {
		s.pubCond.Wait()
	}
	s.pubMu.Unlock()

	if state.committed {
		s.onCommit(state)
	}

	s.pubMu.Lock()
	s.published++
	s.pubCond.Broadcast()
	s.pubMu.Unlock()
}

func (s *Store) onCommit(state *txState) {
	if len(state.patches) > 0 {
		if _, err := s.schema.Patch(state.patches); err != nil {
			s.log.Error("store: failed to patch schema with committed definitions", "definitions", len(state.patches), "err", err)
		}
	}
	if s.notify != nil {
		for _, change := range state.changes {
			s.notify(change)
		}
	}
}

// origin returns the origin of changes committed
// without an explicit origin.
func (s *Store) origin(b *buckets) string {
	if v := b.meta.Get([]byte(dbOriginKey)); v != nil {
		return string(v)
	}
	return s.serverID
}

func (s *Store) state(tx *bolt.Tx) (*txState, error) {
	if tx == nil || !tx.Writable() {
		return nil, ErrInvalidParameter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.txs[tx]
	if !ok {
		return nil, fmt.Errorf("%w: transaction not opened by store", ErrInvalidParameter)
	}
	return state, nil
}

// loadSchema patches the schema cache with all
// definitions stored in the schema subtree.
func (s *Store) loadSchema() error {
	var defs []*schema.Definition
	err := s.View(func(tx *bolt.Tx) error {
		return s.Search(tx, schema.NamingContext, func(e *entry.Entry) error {
			d, err := schema.FromEntry(e)
			if err != nil {
				return err
			}
			defs = append(defs, d...)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(defs) > 0 {
		if _, err = s.schema.Patch(defs); err != nil {
			return err
		}
	}
	return nil
}
