// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/schema"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
)

func newTestStore(t *testing.T, mod sync.Locker, notify func(Change)) *Store {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := schema.New(schema.Default(), mod)
	if err != nil {
		t.Fatalf("Failed to create schema cache: %v", err)
	}
	s, err := Open(db, &Config{ServerID: "srv-1", Schema: cache, Notify: notify})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s
}

func person(dn, cn string) *entry.Entry {
	return &entry.Entry{
		DN: dn,
		Attributes: []entry.Attribute{
			{Name: "objectClass", Values: []string{"top", "person"}},
			{Name: "cn", Values: []string{cn}},
			{Name: "sn", Values: []string{cn}},
		},
	}
}

func commit(s *Store, e *entry.Entry, op entry.Op) error {
	return s.Update(func(tx *bolt.Tx) error { return s.Commit(tx, e, op) })
}

func get(t *testing.T, s *Store, dn string) *entry.Entry {
	t.Helper()

	var e *entry.Entry
	err := s.View(func(tx *bolt.Tx) (err error) {
		e, err = s.Get(tx, dn)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to get entry '%s': %v", dn, err)
	}
	return e
}

func TestCommitGet(t *testing.T) {
	s := newTestStore(t, nil, nil)

	if err := commit(s, person("CN=Test,DC=Example", "test"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	e := get(t, s, "cn=test,dc=example")
	if e.DN != "cn=test,dc=example" {
		t.Fatalf("DN not normalized: %s", e.DN)
	}
	if e.USN == 0 || e.Version != 1 || e.Origin.ServerID != "srv-1" || e.Origin.USN != e.USN {
		t.Fatalf("Invalid replication metadata: %+v", e)
	}

	mod, err := entry.Apply(e, []entry.Modification{
		{Op: entry.ModAdd, Attribute: entry.Attribute{Name: "mail", Values: []string{"test@example.com"}}},
	})
	if err != nil {
		t.Fatalf("Failed to apply modification: %v", err)
	}
	if err = commit(s, mod, entry.OpModify); err != nil {
		t.Fatalf("Failed to modify entry: %v", err)
	}
	m := get(t, s, "cn=test,dc=example")
	if m.Version != 2 || m.GUID != e.GUID || m.ID != e.ID || m.USN <= e.USN {
		t.Fatalf("Invalid entry after modify: %+v", m)
	}

	if err = commit(s, &entry.Entry{DN: "cn=test,dc=example"}, entry.OpDelete); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}
	err = s.View(func(tx *bolt.Tx) error {
		_, err := s.Get(tx, "cn=test,dc=example")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrNotFound)
	}
}

var commitErrorTests = []struct {
	Entry *entry.Entry
	Op    entry.Op
	Err   error
}{
	{Entry: person("cn=a,dc=example", "a"), Op: entry.OpAdd, Err: ErrExists},                          // 0
	{Entry: person("cn=b,dc=example", "b"), Op: entry.OpModify, Err: ErrNotFound},                     // 1
	{Entry: &entry.Entry{DN: "cn=b,dc=example"}, Op: entry.OpDelete, Err: ErrNotFound},                // 2
	{Entry: person("", "x"), Op: entry.OpAdd, Err: ErrInvalidParameter},                               // 3
	{Entry: person("cn=,dc=example", "x"), Op: entry.OpAdd, Err: ErrInvalidParameter},                 // 4
	{Entry: &entry.Entry{DN: "cn=c,dc=example"}, Op: entry.OpAdd, Err: schema.ErrConstraintViolation}, // 5
	{Entry: person("cn=d,dc=example", "d"), Op: 0, Err: ErrInvalidParameter},                          // 6
}

func TestCommitErrors(t *testing.T) {
	s := newTestStore(t, nil, nil)
	if err := commit(s, person("cn=a,dc=example", "a"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	for i, test := range commitErrorTests {
		if err := commit(s, test.Entry, test.Op); !errors.Is(err, test.Err) {
			t.Fatalf("Test %d: got error '%v' - want '%v'", i, err, test.Err)
		}
	}
}

func TestCommitInvalidTransaction(t *testing.T) {
	s := newTestStore(t, nil, nil)

	if err := s.Commit(nil, person("cn=a,dc=example", "a"), entry.OpAdd); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Invalid error for nil tx: got '%v' - want '%v'", err, ErrInvalidParameter)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.Commit(tx, person("cn=a,dc=example", "a"), entry.OpAdd)
	})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Invalid error for foreign tx: got '%v' - want '%v'", err, ErrInvalidParameter)
	}
	err = s.View(func(tx *bolt.Tx) error {
		return s.Commit(tx, person("cn=a,dc=example", "a"), entry.OpAdd)
	})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Invalid error for read-only tx: got '%v' - want '%v'", err, ErrInvalidParameter)
	}
}

func TestCommitAtomic(t *testing.T) {
	var notified int
	s := newTestStore(t, nil, func(Change) { notified++ })

	err := s.Update(func(tx *bolt.Tx) error {
		if err := s.Commit(tx, person("cn=a,dc=example", "a"), entry.OpAdd); err != nil {
			return err
		}
		return s.Commit(tx, &entry.Entry{DN: "cn=b,dc=example"}, entry.OpAdd)
	})
	if !errors.Is(err, schema.ErrConstraintViolation) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, schema.ErrConstraintViolation)
	}
	err = s.View(func(tx *bolt.Tx) error {
		_, err := s.Get(tx, "cn=a,dc=example")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Rolled back entry is visible: %v", err)
	}
	if notified != 0 {
		t.Fatalf("Rolled back changes have been published: %d", notified)
	}
}

func TestDNUniqueness(t *testing.T) {
	s := newTestStore(t, nil, nil)

	const N = 16
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := commit(s, person("cn=dup,dc=example", "dup"), entry.OpAdd); err == nil {
				created.Add(1)
			} else if !errors.Is(err, ErrExists) {
				t.Errorf("Invalid error: got '%v' - want '%v'", err, ErrExists)
			}
		}()
	}
	wg.Wait()
	if n := created.Load(); n != 1 {
		t.Fatalf("Entry created %d times", n)
	}

	// A tombstone does not block re-adding the DN.
	if err := commit(s, &entry.Entry{DN: "cn=dup,dc=example"}, entry.OpDelete); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}
	if err := commit(s, person("cn=dup,dc=example", "dup"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to re-add entry: %v", err)
	}

	seen := map[string]bool{}
	err := s.View(func(tx *bolt.Tx) error {
		return s.Search(tx, "", func(e *entry.Entry) error {
			if seen[e.DN] {
				return fmt.Errorf("duplicate DN '%s'", e.DN)
			}
			if e.Tombstone {
				return fmt.Errorf("search returned tombstone '%s'", e.DN)
			}
			seen[e.DN] = true
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUSNMonotonic(t *testing.T) {
	var (
		mu   sync.Mutex
		usns []uint64
	)
	s := newTestStore(t, nil, func(c Change) {
		mu.Lock()
		usns = append(usns, c.USN)
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		dn := fmt.Sprintf("cn=user%d,dc=example", i%5)
		op := entry.OpAdd
		if i >= 5 {
			op = entry.OpModify
		}
		e := person(dn, fmt.Sprintf("user%d", i%5))
		e.Set("description", fmt.Sprint(i))
		if err := commit(s, e, op); err != nil {
			t.Fatalf("Failed to commit entry %d: %v", i, err)
		}
	}
	for i := 1; i < len(usns); i++ {
		if usns[i] <= usns[i-1] {
			t.Fatalf("USNs not strictly increasing: %v", usns)
		}
	}

	var last uint64
	err := s.View(func(tx *bolt.Tx) error {
		return s.Changes(tx, 0, func(e *entry.Entry) bool {
			if e.USN <= last {
				t.Errorf("Changes not in USN order: %d after %d", e.USN, last)
			}
			last = e.USN
			return true
		})
	})
	if err != nil {
		t.Fatalf("Failed to list changes: %v", err)
	}
	if last != usns[len(usns)-1] {
		t.Fatalf("Highest USN mismatch: got %d - want %d", last, usns[len(usns)-1])
	}
}

// countingLocker is a mutex that records how many
// goroutines have held it at the same time.
type countingLocker struct {
	mu      sync.Mutex
	holders atomic.Int32
	max     atomic.Int32
	locks   atomic.Int32
}

func (l *countingLocker) Lock() {
	l.mu.Lock()
	l.locks.Add(1)
	if n := l.holders.Add(1); n > l.max.Load() {
		l.max.Store(n)
	}
	time.Sleep(time.Millisecond)
}

func (l *countingLocker) Unlock() {
	l.holders.Add(-1)
	l.mu.Unlock()
}

func TestSchemaMutexExclusivity(t *testing.T) {
	locker := new(countingLocker)
	s := newTestStore(t, locker, nil)

	schemaEntry := func(i int) *entry.Entry {
		return &entry.Entry{
			DN: fmt.Sprintf("cn=custom%d,cn=schemacontext", i),
			Attributes: []entry.Attribute{
				{Name: "objectClass", Values: []string{"subSchema"}},
				{Name: "cn", Values: []string{fmt.Sprintf("custom%d", i)}},
				{Name: "attributeTypes", Values: []string{fmt.Sprintf("( 1.2.3.4.%d NAME 'custom%d' SUP name )", i, i)}},
			},
		}
	}

	const N = 8
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := commit(s, schemaEntry(i), entry.OpAdd); err != nil {
				t.Errorf("Failed to add schema entry: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if err := commit(s, person(fmt.Sprintf("cn=p%d,dc=example", i), "p"), entry.OpAdd); err != nil {
				t.Errorf("Failed to add entry: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n := locker.max.Load(); n != 1 {
		t.Fatalf("Schema mutex held by %d goroutines at the same time", n)
	}
	if n := locker.locks.Load(); n != N {
		t.Fatalf("Schema mutex acquired %d times - want %d", n, N)
	}
	if n := locker.holders.Load(); n != 0 {
		t.Fatalf("Schema mutex still held by %d goroutines", n)
	}

	snapshot := s.Schema().Acquire()
	defer snapshot.Release()
	for i := 0; i < N; i++ {
		if _, ok := snapshot.AttributeType(fmt.Sprintf("custom%d", i)); !ok {
			t.Fatalf("Schema definition 'custom%d' not published", i)
		}
	}
}

func TestSchemaPatchRejected(t *testing.T) {
	s := newTestStore(t, nil, nil)
	gen := s.Schema().Generation()

	e := &entry.Entry{
		DN: "cn=broken,cn=schemacontext",
		Attributes: []entry.Attribute{
			{Name: "objectClass", Values: []string{"subSchema"}},
			{Name: "cn", Values: []string{"broken"}},
			{Name: "objectClasses", Values: []string{"( 1.2.3.9 NAME 'broken' SUP top MUST missingAttribute )"}},
		},
	}
	if err := commit(s, e, entry.OpAdd); !errors.Is(err, schema.ErrConstraintViolation) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, schema.ErrConstraintViolation)
	}
	if g := s.Schema().Generation(); g != gen {
		t.Fatalf("Rejected schema entry created generation %d", g)
	}
}

func TestApply(t *testing.T) {
	s := newTestStore(t, nil, nil)
	if err := commit(s, person("cn=a,dc=example", "a"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	local := get(t, s, "cn=a,dc=example")

	remote := local.Clone()
	remote.Set("description", "remote")
	remote.Version = local.Version + 1
	remote.Origin = entry.Origin{ServerID: "srv-2", USN: 100}

	apply := func(e *entry.Entry) (applied bool) {
		err := s.Update(func(tx *bolt.Tx) (err error) {
			applied, err = s.Apply(tx, e)
			return err
		})
		if err != nil {
			t.Fatalf("Failed to apply entry: %v", err)
		}
		return applied
	}
	if !apply(remote) {
		t.Fatal("newer remote entry not applied")
	}
	if apply(remote) {
		t.Fatal("replayed remote entry applied twice")
	}
	if apply(local) {
		t.Fatal("older entry applied")
	}

	e := get(t, s, "cn=a,dc=example")
	if v := e.Get("description"); len(v) != 1 || v[0] != "remote" {
		t.Fatalf("Remote change not visible: %v", v)
	}
	if e.Origin != remote.Origin || e.USN <= local.USN {
		t.Fatalf("Invalid replication metadata: %+v", e)
	}
}

func TestBackup(t *testing.T) {
	s := newTestStore(t, nil, nil)
	if err := commit(s, person("cn=a,dc=example", "a"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}

	var buf bytes.Buffer
	n, err := s.Backup(&buf)
	if err != nil {
		t.Fatalf("Failed to backup database: %v", err)
	}
	if n == 0 || int64(buf.Len()) != n {
		t.Fatalf("Invalid backup size: %d bytes written - %d bytes received", n, buf.Len())
	}
}

func TestSearch(t *testing.T) {
	s := newTestStore(t, nil, nil)
	for _, dn := range []string{"cn=a,dc=example", "cn=b,cn=a,dc=example", "cn=c,dc=other", "cn=ab,dc=example"} {
		cn, _, _ := strings.Cut(strings.TrimPrefix(dn, "cn="), ",")
		if err := commit(s, person(dn, cn), entry.OpAdd); err != nil {
			t.Fatalf("Failed to add entry '%s': %v", dn, err)
		}
	}
	if err := commit(s, &entry.Entry{DN: "cn=ab,dc=example"}, entry.OpDelete); err != nil {
		t.Fatalf("Failed to delete entry: %v", err)
	}

	for i, test := range searchTests {
		var dns []string
		err := s.View(func(tx *bolt.Tx) error {
			return s.Search(tx, test.Base, func(e *entry.Entry) error {
				dns = append(dns, e.DN)
				return nil
			})
		})
		if err != nil {
			t.Fatalf("Test %d: failed to search: %v", i, err)
		}
		if !slices.Equal(dns, test.DNs) {
			t.Fatalf("Test %d: got '%v' - want '%v'", i, dns, test.DNs)
		}
	}

	err := s.View(func(tx *bolt.Tx) error {
		usn, err := s.HighestUSN(tx)
		if err != nil {
			return err
		}
		if usn != 5 {
			return fmt.Errorf("highest USN: got %d - want 5", usn)
		}
		stats, err := s.Stats(tx)
		if err != nil {
			return err
		}
		if stats.Entries != 3 {
			return fmt.Errorf("live entries: got %d - want 3", stats.Entries)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

var searchTests = []struct {
	Base string
	DNs  []string
}{
	{Base: "dc=example", DNs: []string{"cn=a,dc=example", "cn=b,cn=a,dc=example"}},      // 0
	{Base: "CN=A,DC=Example", DNs: []string{"cn=a,dc=example", "cn=b,cn=a,dc=example"}}, // 1
	{Base: "cn=b,cn=a,dc=example", DNs: []string{"cn=b,cn=a,dc=example"}},               // 2
	{Base: "dc=missing", DNs: nil},                                                      // 3
	{Base: "cn=ab,dc=example", DNs: nil},                                                // 4
}

func TestSetOrigin(t *testing.T) {
	s := newTestStore(t, nil, nil)

	setOrigin := func(id string) error {
		return s.Update(func(tx *bolt.Tx) error { return s.SetOrigin(tx, id) })
	}
	origin := func() (id string) {
		s.View(func(tx *bolt.Tx) error {
			id = s.Origin(tx)
			return nil
		})
		return id
	}

	if id := origin(); id != "srv-1" {
		t.Fatalf("Invalid default origin: got '%s' - want '%s'", id, "srv-1")
	}
	if err := setOrigin(""); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Invalid error for empty origin: got '%v' - want '%v'", err, ErrInvalidParameter)
	}
	if err := setOrigin("cluster-1"); err != nil {
		t.Fatalf("Failed to set origin: %v", err)
	}
	if err := setOrigin("cluster-2"); err != nil {
		t.Fatalf("Failed to set origin again: %v", err)
	}
	if id := origin(); id != "cluster-1" {
		t.Fatalf("Origin has been replaced: got '%s' - want '%s'", id, "cluster-1")
	}

	if err := commit(s, person("cn=a,dc=example", "a"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add entry: %v", err)
	}
	e := get(t, s, "cn=a,dc=example")
	if e.Origin.ServerID != "cluster-1" || e.Origin.USN != e.USN {
		t.Fatalf("Invalid origin: got %+v - want cluster-1 at USN %d", e.Origin, e.USN)
	}

	// A replicated entry with the same DN but another GUID
	// wins and the local entry becomes a tombstone that
	// originates from the store's origin.
	remote := person("cn=a,dc=example", "a")
	remote.GUID = uuid.New()
	remote.Version = 2
	remote.Origin = entry.Origin{ServerID: "srv-2", USN: 7}
	err := s.Update(func(tx *bolt.Tx) error {
		_, err := s.Apply(tx, remote)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to apply entry: %v", err)
	}
	err = s.View(func(tx *bolt.Tx) error {
		return s.Changes(tx, 0, func(c *entry.Entry) bool {
			if c.GUID == e.GUID && (!c.Tombstone || c.Origin.ServerID != "cluster-1") {
				t.Errorf("Invalid conflict loser: tombstone '%v' origin %+v", c.Tombstone, c.Origin)
			}
			return true
		})
	})
	if err != nil {
		t.Fatalf("Failed to list changes: %v", err)
	}
}

func schemaEntry(cn string, kind string, def string) *entry.Entry {
	return &entry.Entry{
		DN: "cn=" + cn + ",cn=schemacontext",
		Attributes: []entry.Attribute{
			{Name: "objectClass", Values: []string{"subSchema"}},
			{Name: "cn", Values: []string{cn}},
			{Name: kind, Values: []string{def}},
		},
	}
}

func TestSchemaMutexOrdersPatches(t *testing.T) {
	var (
		blocked = make(chan struct{})
		release = make(chan struct{})
	)
	s := newTestStore(t, nil, func(c Change) {
		if c.DN == "cn=first,cn=schemacontext" {
			close(blocked)
			<-release
		}
	})

	first := make(chan error, 1)
	go func() {
		first <- commit(s, schemaEntry("first", "attributeTypes", "( 1.2.3.5.1 NAME 'firstAttr' SUP name )"), entry.OpAdd)
	}()
	<-blocked // committed, but not yet published

	// Writes outside the schema subtree are not blocked
	// by a pending schema publication.
	other := make(chan error, 1)
	go func() { other <- commit(s, person("cn=a,dc=example", "a"), entry.OpAdd) }()
	var committed bool
	for deadline := time.Now().Add(5 * time.Second); !committed && time.Now().Before(deadline); {
		s.View(func(tx *bolt.Tx) error {
			_, err := s.Get(tx, "cn=a,dc=example")
			committed = err == nil
			return nil
		})
		time.Sleep(time.Millisecond)
	}
	if !committed {
		t.Fatal("Write outside the schema subtree blocked by pending schema publication")
	}

	// A schema change that depends on the pending one
	// does not commit before its publication.
	second := make(chan error, 1)
	go func() {
		second <- commit(s, schemaEntry("second", "objectClasses", "( 1.2.3.5.2 NAME 'secondClass' SUP top AUXILIARY MAY firstAttr )"), entry.OpAdd)
	}()
	time.Sleep(50 * time.Millisecond)
	err := s.View(func(tx *bolt.Tx) error {
		_, err := s.Get(tx, "cn=second,cn=schemacontext")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Schema change committed before preceding schema change was published: %v", err)
	}

	close(release)
	for _, ch := range []chan error{first, other, second} {
		if err := <-ch; err != nil {
			t.Fatalf("Failed to commit entry: %v", err)
		}
	}

	snapshot := s.Schema().Acquire()
	defer snapshot.Release()
	if _, ok := snapshot.ObjectClass("secondClass"); !ok {
		t.Fatal("Schema definition 'secondClass' not published")
	}
}

func TestSchemaPatchFailureLogged(t *testing.T) {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	cache, err := schema.New(schema.Default(), nil)
	if err != nil {
		t.Fatalf("Failed to create schema cache: %v", err)
	}
	var buf bytes.Buffer
	s, err := Open(db, &Config{
		ServerID: "srv-1",
		Schema:   cache,
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	if err = commit(s, schemaEntry("attr", "attributeTypes", "( 1.2.3.6.1 NAME 'fooAttr' SUP name )"), entry.OpAdd); err != nil {
		t.Fatalf("Failed to add schema entry: %v", err)
	}

	// The class is valid when committed but its attribute
	// is renamed before the definitions are published.
	rename, err := schema.Parse(schema.AttributeType, "( 1.2.3.6.1 NAME 'barAttr' SUP name )")
	if err != nil {
		t.Fatalf("Failed to parse definition: %v", err)
	}
	err = s.Update(func(tx *bolt.Tx) error {
		err := s.Commit(tx, schemaEntry("class", "objectClasses", "( 1.2.3.6.2 NAME 'fooClass' SUP top AUXILIARY MAY fooAttr )"), entry.OpAdd)
		if err != nil {
			return err
		}
		_, err = cache.Patch([]*schema.Definition{rename})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to add schema entry: %v", err)
	}
	if !strings.Contains(buf.String(), "failed to patch schema") {
		t.Fatalf("Schema patch failure not logged: '%s'", buf.String())
	}
}
