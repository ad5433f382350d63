// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package repl

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/schema"
	"github.com/minio/lwdir/internal/store"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/goleak"
)

func newTestStore(t *testing.T, serverID string) *store.Store {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), serverID+".db"), 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := schema.New(schema.Default(), nil)
	if err != nil {
		t.Fatalf("Failed to create schema cache: %v", err)
	}
	s, err := store.Open(db, &store.Config{ServerID: serverID, Schema: cache})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, s *store.Store, pageSize int) *Engine {
	t.Helper()

	e, err := New(&Config{Store: s, PageSize: pageSize})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
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

func commit(t *testing.T, s *store.Store, e *entry.Entry, op entry.Op) {
	t.Helper()

	if err := s.Update(func(tx *bolt.Tx) error { return s.Commit(tx, e, op) }); err != nil {
		t.Fatalf("Failed to commit '%s': %v", e.DN, err)
	}
}

func get(t *testing.T, s *store.Store, dn string) *entry.Entry {
	t.Helper()

	var e *entry.Entry
	err := s.View(func(tx *bolt.Tx) (err error) {
		e, err = s.Get(tx, dn)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("Failed to get entry '%s': %v", dn, err)
	}
	return e
}

func agreement(t *testing.T, s *store.Store, partner string) (a Agreement) {
	t.Helper()

	err := s.View(func(tx *bolt.Tx) (err error) {
		a, err = readAgreement(tx, partner)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to read agreement: %v", err)
	}
	return a
}

func TestUTDVector(t *testing.T) {
	v := UTDVector{"srv-b": 2, "srv-a": 10}
	if s := v.String(); s != "srv-a:10,srv-b:2" {
		t.Fatalf("Invalid string representation: got '%s' - want 'srv-a:10,srv-b:2'", s)
	}

	p, err := ParseUTDVector(v.String())
	if err != nil {
		t.Fatalf("Failed to parse UTD vector: %v", err)
	}
	if p.String() != v.String() {
		t.Fatalf("Parsed vector differs: got '%s' - want '%s'", p, v)
	}
	if _, err = ParseUTDVector("srv-a"); err == nil {
		t.Fatal("Parsing invalid vector succeeded")
	}
	if _, err = ParseUTDVector("srv-a:x"); err == nil {
		t.Fatal("Parsing invalid USN succeeded")
	}

	if !v.Covers(entry.Origin{ServerID: "srv-a", USN: 10}) {
		t.Fatal("Vector does not cover its own high-water mark")
	}
	if v.Covers(entry.Origin{ServerID: "srv-a", USN: 11}) {
		t.Fatal("Vector covers USN above its high-water mark")
	}
	if v.Covers(entry.Origin{ServerID: "srv-c", USN: 1}) {
		t.Fatal("Vector covers unknown server")
	}

	v.Merge(UTDVector{"srv-a": 5, "srv-b": 7, "srv-c": 1})
	if s := v.String(); s != "srv-a:10,srv-b:7,srv-c:1" {
		t.Fatalf("Invalid merged vector: got '%s'", s)
	}
}

var pullPageTests = []struct {
	Request PageRequest
	DNs     []string
	LastUSN uint64
	More    bool
	Err     error
}{
	{ // 0
		Request: PageRequest{},
		DNs:     []string{"cn=a,dc=example", "cn=b,dc=example", "cn=c,dc=example", "cn=d,dc=example", "cn=e,o=other"},
		LastUSN: 5,
	},
	{ // 1
		Request: PageRequest{Size: 2},
		DNs:     []string{"cn=a,dc=example", "cn=b,dc=example"},
		LastUSN: 2,
		More:    true,
	},
	{ // 2
		Request: PageRequest{StartUSN: 2, Size: 2},
		DNs:     []string{"cn=c,dc=example", "cn=d,dc=example"},
		LastUSN: 4,
		More:    true,
	},
	{ // 3
		Request: PageRequest{StartUSN: 3, Size: 2},
		DNs:     []string{"cn=d,dc=example", "cn=e,o=other"},
		LastUSN: 5,
	},
	{ // 4
		Request: PageRequest{UTD: UTDVector{"srv-a": 3}},
		DNs:     []string{"cn=d,dc=example", "cn=e,o=other"},
		LastUSN: 5,
	},
	{ // 5
		Request: PageRequest{Filter: "O=Other"},
		DNs:     []string{"cn=e,o=other"},
		LastUSN: 5,
	},
	{ // 6
		Request: PageRequest{StartUSN: 5},
		LastUSN: 5,
	},
	{ // 7
		Request: PageRequest{Filter: "invalid"},
		Err:     store.ErrInvalidParameter,
	},
}

func TestPullPage(t *testing.T) {
	s := newTestStore(t, "srv-a")
	for _, dn := range pullPageTests[0].DNs {
		commit(t, s, person(dn, dn[3:4]), entry.OpAdd)
	}

	for i, test := range pullPageTests {
		var page *Page
		err := s.View(func(tx *bolt.Tx) (err error) {
			page, err = PullPage(s, tx, &test.Request)
			return err
		})
		if test.Err != nil {
			if !errors.Is(err, test.Err) {
				t.Fatalf("Test %d: invalid error: got '%v' - want '%v'", i, err, test.Err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Test %d: failed to pull page: %v", i, err)
		}

		if len(page.Entries) != len(test.DNs) {
			t.Fatalf("Test %d: invalid number of entries: got %d - want %d", i, len(page.Entries), len(test.DNs))
		}
		for j, e := range page.Entries {
			if e.DN != test.DNs[j] {
				t.Fatalf("Test %d: invalid entry %d: got '%s' - want '%s'", i, j, e.DN, test.DNs[j])
			}
		}
		if page.LastUSN != test.LastUSN {
			t.Fatalf("Test %d: invalid last USN: got %d - want %d", i, page.LastUSN, test.LastUSN)
		}
		if page.More != test.More {
			t.Fatalf("Test %d: invalid more flag: got %v - want %v", i, page.More, test.More)
		}
		if page.UTD["srv-a"] != 5 {
			t.Fatalf("Test %d: supplier UTD vector does not cover own changes: %v", i, page.UTD)
		}
	}
}

func TestPageCodec(t *testing.T) {
	s := newTestStore(t, "srv-a")
	commit(t, s, person("cn=a,dc=example", "a"), entry.OpAdd)

	var page *Page
	err := s.View(func(tx *bolt.Tx) (err error) {
		page, err = PullPage(s, tx, &PageRequest{})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to pull page: %v", err)
	}
	b, err := page.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("Failed to encode page: %v", err)
	}
	var decoded Page
	if rest, err := decoded.UnmarshalMsg(b); err != nil || len(rest) != 0 {
		t.Fatalf("Failed to decode page: %v - %d trailing bytes", err, len(rest))
	}
	if len(decoded.Entries) != 1 || decoded.Entries[0].GUID != page.Entries[0].GUID {
		t.Fatalf("Decoded page entries differ: %+v", decoded.Entries)
	}
	if decoded.LastUSN != page.LastUSN || decoded.UTD.String() != page.UTD.String() {
		t.Fatalf("Decoded page differs: got %d '%s' - want %d '%s'", decoded.LastUSN, decoded.UTD, page.LastUSN, page.UTD)
	}
}

func TestApplyPageIdempotent(t *testing.T) {
	supplier := newTestStore(t, "srv-a")
	consumer := newTestStore(t, "srv-b")
	commit(t, supplier, person("cn=a,dc=example", "a"), entry.OpAdd)
	commit(t, supplier, person("cn=b,dc=example", "b"), entry.OpAdd)

	var page *Page
	err := supplier.View(func(tx *bolt.Tx) (err error) {
		page, err = PullPage(supplier, tx, &PageRequest{})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to pull page: %v", err)
	}

	apply := LocalApplier{Store: consumer}
	first, err := apply.ApplyPage(context.Background(), "srv-a", page)
	if err != nil {
		t.Fatalf("Failed to apply page: %v", err)
	}
	if first.Applied != 2 || first.OutOfSequence != 0 {
		t.Fatalf("Invalid result of first apply: %+v", first)
	}
	before := get(t, consumer, "cn=a,dc=example")

	second, err := apply.ApplyPage(context.Background(), "srv-a", page)
	if err != nil {
		t.Fatalf("Failed to apply page again: %v", err)
	}
	if second.Applied != 0 || second.Skipped != 2 || second.OutOfSequence != 2 {
		t.Fatalf("Invalid result of replayed apply: %+v", second)
	}
	after := get(t, consumer, "cn=a,dc=example")
	if after.USN != before.USN || entry.Compare(after, before) != 0 {
		t.Fatalf("Replayed page changed the entry: got %+v - want %+v", after, before)
	}

	a := agreement(t, consumer, "srv-a")
	if a.LastUSN != 2 || a.Applied != 2 || a.OutOfSequence != 2 {
		t.Fatalf("Invalid agreement state: %+v", a)
	}

	var utd UTDVector
	err = consumer.View(func(tx *bolt.Tx) (err error) {
		utd, err = LoadUTD(consumer, tx)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to load UTD vector: %v", err)
	}
	if s := utd.String(); s != "srv-a:2,srv-b:2" {
		t.Fatalf("Invalid UTD vector: got '%s' - want 'srv-a:2,srv-b:2'", s)
	}
}

func TestApplyPageOutOfSequence(t *testing.T) {
	supplier := newTestStore(t, "srv-a")
	consumer := newTestStore(t, "srv-b")
	for _, dn := range []string{"cn=a,dc=example", "cn=b,dc=example", "cn=c,dc=example", "cn=d,dc=example"} {
		commit(t, supplier, person(dn, dn[3:4]), entry.OpAdd)
	}

	var page *Page
	err := supplier.View(func(tx *bolt.Tx) (err error) {
		page, err = PullPage(supplier, tx, &PageRequest{})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to pull page: %v", err)
	}
	if len(page.Entries) != 4 {
		t.Fatalf("Invalid page size: got %d - want 4", len(page.Entries))
	}
	e := page.Entries
	page.Entries = []*entry.Entry{e[2], e[0], e[3], e[1]} // USN 3, 1, 4, 2

	result, err := LocalApplier{Store: consumer}.ApplyPage(context.Background(), "srv-a", page)
	if err != nil {
		t.Fatalf("Failed to apply page: %v", err)
	}
	if result.Applied != 4 || result.OutOfSequence != 2 {
		t.Fatalf("Invalid result: got %+v - want 4 applied and 2 out of sequence", result)
	}
	if a := agreement(t, consumer, "srv-a"); a.LastUSN != 4 || a.OutOfSequence != 2 {
		t.Fatalf("Invalid agreement state: %+v", a)
	}
}

// TestReplicasApplyIdentically applies the same sequence of
// transactions to stores of different servers, as cluster
// members do when applying the consensus log.
func TestReplicasApplyIdentically(t *testing.T) {
	replicas := []*store.Store{newTestStore(t, "node-a"), newTestStore(t, "node-z")}
	guid := uuid.New()

	remote := person("cn=x,dc=example", "x")
	remote.GUID = guid
	remote.Set("description", "from partner")
	remote.USN, remote.Version = 5, 1
	remote.Origin = entry.Origin{ServerID: "node-m", USN: 5}
	page := &Page{Entries: []*entry.Entry{remote}, LastUSN: 5}

	images := make([][]byte, 0, len(replicas))
	for _, s := range replicas {
		e := person("cn=x,dc=example", "x")
		e.GUID = guid
		err := s.Update(func(tx *bolt.Tx) error {
			if err := s.SetOrigin(tx, "node-1"); err != nil {
				return err
			}
			return s.Commit(tx, e, entry.OpAdd)
		})
		if err != nil {
			t.Fatalf("Failed to add entry: %v", err)
		}
		err = s.Update(func(tx *bolt.Tx) error {
			if err := s.SetOrigin(tx, "node-1"); err != nil {
				return err
			}
			_, err := ApplyPage(s, tx, "node-m", page)
			return err
		})
		if err != nil {
			t.Fatalf("Failed to apply page: %v", err)
		}

		x := get(t, s, "cn=x,dc=example")
		if x.Origin != remote.Origin {
			t.Fatalf("Replica '%s': got origin %+v - want %+v", s.ServerID(), x.Origin, remote.Origin)
		}
		if v := x.Get("description"); len(v) != 1 || v[0] != "from partner" {
			t.Fatalf("Replica '%s': partner change not applied: %v", s.ServerID(), v)
		}
		images = append(images, entry.Encode(x))

		var utd UTDVector
		err = s.View(func(tx *bolt.Tx) (err error) {
			utd, err = LoadUTD(s, tx)
			return err
		})
		if err != nil {
			t.Fatalf("Failed to load UTD vector: %v", err)
		}
		if v := utd.String(); v != "node-1:2" {
			t.Fatalf("Replica '%s': got UTD vector '%s' - want 'node-1:2'", s.ServerID(), v)
		}
	}
	if !bytes.Equal(images[0], images[1]) {
		t.Fatal("Replicas diverged after applying identical transactions")
	}
}

func TestCycle(t *testing.T) {
	supplier := newTestStore(t, "srv-a")
	consumer := newTestStore(t, "srv-b")
	for _, dn := range []string{"cn=a,dc=example", "cn=b,dc=example", "cn=c,dc=example", "cn=d,dc=example", "cn=e,dc=example"} {
		commit(t, supplier, person(dn, dn[3:4]), entry.OpAdd)
	}

	e := newTestEngine(t, consumer, 2)
	e.SetPartner("srv-a", newTestEngine(t, supplier, 0))

	result, err := e.Cycle(context.Background(), "srv-a")
	if err != nil {
		t.Fatalf("Failed to run replication cycle: %v", err)
	}
	if result.Applied != 5 {
		t.Fatalf("Invalid number of applied entries: got %d - want 5", result.Applied)
	}
	status := e.Status()
	if len(status) != 1 || status[0].Pages != 3 || status[0].LastError != "" || status[0].LastCycle.IsZero() {
		t.Fatalf("Invalid agreement status: %+v", status)
	}
	if a := agreement(t, consumer, "srv-a"); a.LastUSN != 5 {
		t.Fatalf("Invalid agreement high-water mark: got %d - want 5", a.LastUSN)
	}

	commit(t, supplier, &entry.Entry{DN: "cn=c,dc=example"}, entry.OpDelete)
	if result, err = e.Cycle(context.Background(), "srv-a"); err != nil {
		t.Fatalf("Failed to run replication cycle: %v", err)
	}
	if result.Applied != 1 {
		t.Fatalf("Invalid number of applied entries: got %d - want 1", result.Applied)
	}
	if c := get(t, consumer, "cn=c,dc=example"); c != nil {
		t.Fatalf("Deleted entry still visible: %+v", c)
	}

	if _, err = e.Cycle(context.Background(), "srv-c"); !errors.Is(err, ErrUnknownPartner) {
		t.Fatalf("Invalid error for unknown partner: got '%v' - want '%v'", err, ErrUnknownPartner)
	}
}

type failingPartner struct{}

func (failingPartner) PullPage(context.Context, *PageRequest) (*Page, error) {
	return nil, errors.New("partner unavailable")
}

func TestCycleFailure(t *testing.T) {
	consumer := newTestStore(t, "srv-b")
	e := newTestEngine(t, consumer, 0)
	e.SetPartner("srv-a", failingPartner{})

	if _, err := e.Cycle(context.Background(), "srv-a"); err == nil {
		t.Fatal("Cycle with failing partner succeeded")
	}
	status := e.Status()
	if len(status) != 1 || status[0].LastError != "partner unavailable" || !status[0].LastCycle.IsZero() {
		t.Fatalf("Invalid agreement status: %+v", status)
	}
	if a := agreement(t, consumer, "srv-a"); a.LastUSN != 0 {
		t.Fatalf("Failed cycle advanced the high-water mark: %d", a.LastUSN)
	}
}

func TestConflictConvergence(t *testing.T) {
	storeA, storeB := newTestStore(t, "srv-a"), newTestStore(t, "srv-b")
	engineA, engineB := newTestEngine(t, storeA, 0), newTestEngine(t, storeB, 0)
	engineA.SetPartner("srv-b", engineB)
	engineB.SetPartner("srv-a", engineA)

	ctx := context.Background()
	commit(t, storeA, person("cn=x,dc=example", "x"), entry.OpAdd)
	if _, err := engineB.Cycle(ctx, "srv-a"); err != nil {
		t.Fatalf("Failed to replicate initial entry: %v", err)
	}

	a := get(t, storeA, "cn=x,dc=example")
	a.Set("description", "written on A")
	commit(t, storeA, a, entry.OpModify)

	b := get(t, storeB, "cn=x,dc=example")
	b.Set("description", "written on B")
	commit(t, storeB, b, entry.OpModify)

	for round := 0; round < 2; round++ {
		engineA.CycleAll(ctx)
		engineB.CycleAll(ctx)
	}

	a, b = get(t, storeA, "cn=x,dc=example"), get(t, storeB, "cn=x,dc=example")
	if entry.Compare(a, b) != 0 {
		t.Fatalf("Servers did not converge: A has %+v - B has %+v", a.Origin, b.Origin)
	}
	if a.Origin.ServerID != "srv-b" || a.Version != 2 {
		t.Fatalf("Invalid winner: got %+v version %d - want srv-b version 2", a.Origin, a.Version)
	}
	for _, e := range []*entry.Entry{a, b} {
		if v := e.Get("description"); len(v) != 1 || v[0] != "written on B" {
			t.Fatalf("Invalid converged value: %v", v)
		}
	}

	for _, test := range []struct {
		Engine  *Engine
		Partner string
	}{
		{engineA, "srv-b"},
		{engineB, "srv-a"},
	} {
		result, err := test.Engine.Cycle(ctx, test.Partner)
		if err != nil {
			t.Fatalf("Failed to run replication cycle: %v", err)
		}
		if result.Applied != 0 {
			t.Fatalf("Converged servers still exchange changes: %+v", result)
		}
	}
}

func TestRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	supplier := newTestStore(t, "srv-a")
	consumer := newTestStore(t, "srv-b")
	commit(t, supplier, person("cn=a,dc=example", "a"), entry.OpAdd)

	var active atomic.Bool
	e, err := New(&Config{
		Store:    consumer,
		Partners: map[string]Partner{"srv-a": newTestEngine(t, supplier, 0)},
		Active:   active.Load,
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if get(t, consumer, "cn=a,dc=example") != nil {
		t.Fatal("Inactive engine replicated changes")
	}

	active.Store(true)
	deadline := time.Now().Add(5 * time.Second)
	for get(t, consumer, "cn=a,dc=example") == nil {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for replication")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err = <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, context.Canceled)
	}
}
