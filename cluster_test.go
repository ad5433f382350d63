// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"path/filepath"
	"testing"

	xmsgp "github.com/minio/lwdir/internal/msgp"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/slices"
)

func mustParseAddr(s string) Addr {
	addr, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}

var clusterAddTests = []struct {
	ID    string
	Addr  string
	Added bool
}{
	{ID: "node-1", Addr: "10.0.0.1:7373", Added: true},    // 0
	{ID: "node-2", Addr: "10.0.0.2:7373", Added: true},    // 1
	{ID: "node-1", Addr: "10.0.0.3:7373", Added: false},   // 2
	{ID: "node-3", Addr: "10.0.0.2:7373", Added: false},   // 3
	{ID: "node-3", Addr: "10.0.0.2:7374", Added: true},    // 4
	{ID: "node-4", Addr: "127.0.0.1:7373", Added: true},   // 5
	{ID: "node-5", Addr: "localhost:7373", Added: false},  // 6
}

func TestClusterAdd(t *testing.T) {
	c := cluster{}
	for i, test := range clusterAddTests {
		if added := c.Add(test.ID, mustParseAddr(test.Addr)); added != test.Added {
			t.Fatalf("Test %d: got '%v' - want '%v'", i, added, test.Added)
		}
	}
	if ids := c.IDs(); !slices.Equal(ids, []string{"node-1", "node-2", "node-3", "node-4"}) {
		t.Fatalf("Invalid cluster IDs: %v", ids)
	}
	if id, ok := c.Lookup(mustParseAddr("localhost:7373")); !ok || id != "node-4" {
		t.Fatalf("Invalid lookup: got '%s' - want '%s'", id, "node-4")
	}
	if !c.Remove("node-2") {
		t.Fatal("Failed to remove 'node-2'")
	}
	if c.Remove("node-2") {
		t.Fatal("Removed 'node-2' twice")
	}
	if !c.Add("node-2", mustParseAddr("10.0.0.2:7373")) {
		t.Fatal("Failed to add 'node-2' after removing it")
	}
}

func TestClusterMarshal(t *testing.T) {
	c := cluster{
		"node-1": mustParseAddr("10.0.0.1:7373"),
		"node-2": mustParseAddr("[::1]:7373"),
	}
	b, err := xmsgp.Marshal(c)
	if err != nil {
		t.Fatalf("Failed to marshal cluster: %v", err)
	}

	var members cluster
	if err = xmsgp.Unmarshal(b, &members); err != nil {
		t.Fatalf("Failed to unmarshal cluster: %v", err)
	}
	if len(members) != len(c) {
		t.Fatalf("Cluster size mismatch: got '%d' - want '%d'", len(members), len(c))
	}
	for id, addr := range c {
		if !members[id].Equal(addr) {
			t.Fatalf("Address mismatch for '%s': got '%v' - want '%v'", id, members[id], addr)
		}
	}
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lwdir")
	addr := mustParseAddr("127.0.0.1:7373")

	if err := Init(dir, "node-1", addr, true); err != nil {
		t.Fatalf("Failed to initialize '%s': %v", dir, err)
	}
	if err := Init(dir, "node-1", addr, true); err != nil {
		t.Fatalf("Failed to initialize '%s' twice: %v", dir, err)
	}
	if err := Init(dir, "node-2", addr, true); err == nil {
		t.Fatalf("Initialized '%s' for a different server ID", dir)
	}
	if err := Init(t.TempDir(), "node 1", addr, true); err == nil {
		t.Fatal("Initialized server with invalid ID")
	}
	if err := Init(t.TempDir(), "node-1", Addr{}, true); err == nil {
		t.Fatal("Initialized server with empty address")
	}

	db, err := openDB(filepath.Join(dir, fsDBFile))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	err = db.View(func(tx *bolt.Tx) error {
		id, a, err := readIdentity(tx)
		if err != nil {
			return err
		}
		if id != "node-1" || !a.Equal(addr) {
			t.Fatalf("Identity mismatch: got '%s' '%v' - want '%s' '%v'", id, a, "node-1", addr)
		}
		members, err := readCluster(tx)
		if err != nil {
			return err
		}
		if ids := members.IDs(); !slices.Equal(ids, []string{"node-1"}) {
			t.Fatalf("Invalid cluster members: %v", ids)
		}
		if applied := readApplied(tx); applied != 0 {
			t.Fatalf("Invalid applied index: got '%d' - want '%d'", applied, 0)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInitJoin(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir, "node-2", mustParseAddr("127.0.0.1:7374"), false); err != nil {
		t.Fatalf("Failed to initialize '%s': %v", dir, err)
	}

	db, err := openDB(filepath.Join(dir, fsDBFile))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		members, err := readCluster(tx)
		if err != nil {
			return err
		}
		if len(members) != 0 {
			t.Fatalf("Joining server is member of a cluster: %v", members.IDs())
		}

		members = cluster{
			"node-1": mustParseAddr("10.0.0.1:7373"),
			"node-2": mustParseAddr("10.0.0.1:7373"),
		}
		if err = writeCluster(tx, members); err == nil {
			t.Fatal("Stored cluster with duplicate address")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReadNodeInfo(t *testing.T) {
	dir := t.TempDir()
	addr := mustParseAddr("127.0.0.1:7373")

	if _, err := ReadNodeInfo(dir); err == nil {
		t.Fatal("Read node info of uninitialized directory")
	}
	if err := Init(dir, "node-1", addr, false); err != nil {
		t.Fatalf("Failed to initialize '%s': %v", dir, err)
	}

	info, err := ReadNodeInfo(dir)
	if err != nil {
		t.Fatalf("Failed to read node info: %v", err)
	}
	if info.ID != "node-1" || info.Addr != addr {
		t.Fatalf("Invalid identity: got '%s' '%v' - want 'node-1' '%v'", info.ID, info.Addr, addr)
	}
	if len(info.Members) != 0 {
		t.Fatalf("Non-bootstrapped server has members: %v", info.Members)
	}
}
