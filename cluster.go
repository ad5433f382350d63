// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/lwdir/internal/api"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const fsDBFile = "lwdir.db"

// Init initializes the given directory by creating
// the DB of the server with the given ID and Addr.
// It creates dir if no such directory exists.
//
// If bootstrap is true, the server becomes the only
// member of a new cluster and elects itself once
// started. Otherwise, it waits until the leader of
// an existing cluster adds it as member.
//
// If dir is already initialized for the given ID,
// Init does nothing.
func Init(dir, id string, addr Addr, bootstrap bool) error {
	if err := api.IsValidName(id); err != nil {
		return fmt.Errorf("lwdir: invalid server ID '%s': %v", id, err)
	}
	if addr.IsZero() {
		return errors.New("lwdir: invalid server address: address is empty")
	}

	err := os.Mkdir(dir, 0o755)         // More efficient than MkdirAll right away
	if errors.Is(err, os.ErrNotExist) { // If any parent dir does not exist, Mkdir returns ErrNotExist
		err = os.MkdirAll(dir, 0o755)
	}
	if err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}

	db, err := openDB(filepath.Join(dir, fsDBFile))
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(dbClusterBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(dbLogBucket)); err != nil {
			return err
		}
		if v := b.Get([]byte(dbIDKey)); v != nil {
			if string(v) != id {
				return fmt.Errorf("lwdir: '%s' is already initialized for server '%s'", dir, v)
			}
			return nil
		}

		members := cluster{}
		if bootstrap {
			members[id] = addr
		}
		if err = b.Put([]byte(dbIDKey), []byte(id)); err != nil {
			return err
		}
		if err = b.Put([]byte(dbAddrKey), []byte(addr.String())); err != nil {
			return err
		}
		return writeCluster(tx, members)
	})
	if err != nil {
		return err
	}
	return db.Close()
}

// NodeInfo describes an initialized server directory.
type NodeInfo struct {
	ID      string
	Addr    Addr
	Members map[string]Addr // Empty until the server joined a cluster
}

// ReadNodeInfo reads the identity and the last known
// cluster membership of the server initialized within
// dir. It fails if the server is running since the
// database is locked while in use.
func ReadNodeInfo(dir string) (*NodeInfo, error) {
	db, err := bolt.Open(filepath.Join(dir, fsDBFile), 0o640, &bolt.Options{
		Timeout:  1 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	info := new(NodeInfo)
	err = db.View(func(tx *bolt.Tx) error {
		if info.ID, info.Addr, err = readIdentity(tx); err != nil {
			return err
		}
		members, err := readCluster(tx)
		if err != nil {
			return err
		}
		info.Members = maps.Clone(members)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func openDB(filename string) (*bolt.DB, error) {
	return bolt.Open(filename, 0o640, &bolt.Options{
		Timeout:      3 * time.Second,
		FreelistType: bolt.FreelistMapType,
	})
}

// readIdentity returns the ID and Addr the server
// has been initialized with.
func readIdentity(tx *bolt.Tx) (string, Addr, error) {
	b := tx.Bucket([]byte(dbClusterBucket))
	if b == nil {
		return "", Addr{}, errors.New("lwdir: database is not initialized")
	}
	id := b.Get([]byte(dbIDKey))
	if id == nil {
		return "", Addr{}, errors.New("lwdir: database is not initialized")
	}
	addr, err := ParseAddr(string(b.Get([]byte(dbAddrKey))))
	if err != nil {
		return "", Addr{}, err
	}
	return string(id), addr, nil
}

// readCluster returns the cluster membership stored
// in the database.
func readCluster(tx *bolt.Tx) (cluster, error) {
	b := tx.Bucket([]byte(dbClusterBucket))
	if b == nil {
		return cluster{}, nil
	}
	v := b.Get([]byte(dbMembersKey))
	if v == nil {
		return cluster{}, nil
	}

	var c cluster
	if err := xmsgp.Unmarshal(v, &c); err != nil {
		return nil, err
	}
	return c, nil
}

// writeCluster stores the cluster membership. It returns
// an error if the cluster contains the same Addr more
// than once.
func writeCluster(tx *bolt.Tx, c cluster) error {
	addrs := make(map[Addr]struct{}, len(c))
	for _, addr := range c {
		if _, ok := addrs[addr]; ok {
			return fmt.Errorf("lwdir: invalid cluster state: multiple IDs refer to the same address '%s'", addr)
		}
		addrs[addr] = struct{}{}
	}

	b, err := tx.CreateBucketIfNotExists([]byte(dbClusterBucket))
	if err != nil {
		return err
	}
	v, err := xmsgp.Marshal(c)
	if err != nil {
		return err
	}
	return b.Put([]byte(dbMembersKey), v)
}

// cluster defines a directory cluster as mapping from
// server ID to server Addr.
//
// A cluster must not contain the same Addr twice. For
// adding or removing a server use the corresponding
// methods.
type cluster map[string]Addr

// IDs returns the IDs of all members in sorted order.
func (c cluster) IDs() []string {
	ids := maps.Keys(c)
	slices.Sort(ids)
	return ids
}

// Lookup returns the ID for the given Addr and
// a bool indicating whether the Addr is part of
// the cluster.
func (c cluster) Lookup(addr Addr) (string, bool) {
	for id, a := range c {
		if addr.Equal(a) {
			return id, true
		}
	}
	return "", false
}

// Add adds the server to the cluster if and only if
// neither its ID nor its Addr is part of the cluster
// already. It reports whether the server has been
// added.
func (c cluster) Add(id string, addr Addr) bool {
	if _, ok := c[id]; ok {
		return false
	}
	if _, ok := c.Lookup(addr); ok {
		return false
	}
	c[id] = addr
	return true
}

// Remove removes the server from the cluster. It
// reports whether the server was part of the cluster.
func (c cluster) Remove(id string) bool {
	if _, ok := c[id]; !ok {
		return false
	}
	delete(c, id)
	return true
}

// MarshalMsg appends the MessagePack encoding of the
// cluster to b.
func (c cluster) MarshalMsg(b []byte) ([]byte, error) {
	m := make(map[string]string, len(c))
	for id, addr := range c {
		m[id] = addr.String()
	}
	return xmsgp.AppendStringMap(b, m), nil
}

// UnmarshalMsg decodes the cluster from b and returns
// the remaining bytes.
func (c *cluster) UnmarshalMsg(b []byte) ([]byte, error) {
	m, b, err := xmsgp.ReadStringMapBytes(b)
	if err != nil {
		return b, err
	}

	members := make(cluster, len(m))
	for id, v := range m {
		addr, err := ParseAddr(v)
		if err != nil {
			return b, err
		}
		members[id] = addr
	}
	*c = members
	return b, nil
}
