// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"fmt"

	"github.com/minio/lwdir/internal/entry"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/repl"
	"github.com/tinylib/msgp/msgp"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
)

// Directory command types.
const (
	cmdNoop = iota
	cmdAddEntry
	cmdModifyEntry
	cmdDeleteEntry
	cmdJoinCluster
	cmdLeaveCluster
	cmdReplicatePage
)

// compiler checks
var (
	_ command = (*noopCmd)(nil)
	_ command = (*addEntryCmd)(nil)
	_ command = (*modifyEntryCmd)(nil)
	_ command = (*deleteEntryCmd)(nil)
	_ command = (*joinClusterCmd)(nil)
	_ command = (*leaveClusterCmd)(nil)
	_ command = (*replicatePageCmd)(nil)
)

// A command represents a directory state change.
//
// Any command is proposed by the current cluster
// leader and applied by all servers, in log order,
// once it has been committed.
//
// Since any command has to be executed by all servers
// within a cluster, a command must be deterministic
// and self-contained. For example, a command must not
// use randomness to produce different / non-equivalent
// results. Otherwise, two servers within a cluster may
// apply the same command but end up in different states.
type command interface {
	xmsgp.Marshaler
	xmsgp.Unmarshaler

	// Apply applies the command on the given
	// server using the given DB transaction.
	Apply(*Server, *bolt.Tx) error

	// Type returns a type identifier for the concrete
	// command.
	Type() uint
}

// encodeCommand encodes the command as log entry data.
func encodeCommand(cmd command) ([]byte, error) {
	v, err := xmsgp.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	b := msgp.AppendArrayHeader(nil, 2)
	b = msgp.AppendUint(b, cmd.Type())
	b = msgp.AppendBytes(b, v)
	return b, nil
}

// decodeCommand decodes a command from its log
// entry data.
func decodeCommand(data []byte) (command, error) {
	b, err := xmsgp.ReadArrayHeader(data, 2)
	if err != nil {
		return nil, err
	}
	cmdType, b, err := msgp.ReadUintBytes(b)
	if err != nil {
		return nil, err
	}
	v, b, err := msgp.ReadBytesZC(b)
	if err != nil {
		return nil, err
	}
	if len(b) != 0 {
		return nil, xmsgp.ErrTrailingBytes
	}

	var cmd command
	switch cmdType {
	default:
		return nil, fmt.Errorf("lwdir: command '%d' is unknown", cmdType)
	case cmdNoop:
		cmd = new(noopCmd)
	case cmdAddEntry:
		cmd = new(addEntryCmd)
	case cmdModifyEntry:
		cmd = new(modifyEntryCmd)
	case cmdDeleteEntry:
		cmd = new(deleteEntryCmd)
	case cmdJoinCluster:
		cmd = new(joinClusterCmd)
	case cmdLeaveCluster:
		cmd = new(leaveClusterCmd)
	case cmdReplicatePage:
		cmd = new(replicatePageCmd)
	}
	if err = xmsgp.Unmarshal(v, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// noopCmd is appended by a new leader to commit
// all entries of previous terms.
type noopCmd struct{}

func (*noopCmd) Apply(*Server, *bolt.Tx) error { return nil }

func (*noopCmd) Type() uint { return cmdNoop }

func (*noopCmd) MarshalMsg(b []byte) ([]byte, error) { return msgp.AppendArrayHeader(b, 0), nil }

func (*noopCmd) UnmarshalMsg(b []byte) ([]byte, error) { return xmsgp.ReadArrayHeader(b, 0) }

// addEntryCmd adds a new entry. The leader assigns
// the object GUID before proposing the command.
//
// Origin is the origin of the leader's store at the
// time the command was proposed. All entry commands
// carry it such that every member adopts the same
// origin, even if it has not applied any entry
// change before.
type addEntryCmd struct {
	Origin string
	Entry  *entry.Entry
}

func (c *addEntryCmd) Apply(s *Server, tx *bolt.Tx) error {
	if err := s.store.SetOrigin(tx, c.Origin); err != nil {
		return err
	}
	return s.store.Commit(tx, c.Entry.Clone(), entry.OpAdd)
}

func (*addEntryCmd) Type() uint { return cmdAddEntry }

func (c *addEntryCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, c.Origin)
	return c.Entry.MarshalMsg(b)
}

func (c *addEntryCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 2)
	if err != nil {
		return b, err
	}
	if c.Origin, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	c.Entry = new(entry.Entry)
	return c.Entry.UnmarshalMsg(b)
}

// modifyEntryCmd applies a list of modifications to an
// entry. The modifications are applied to the entry as
// stored at the time the command is applied.
type modifyEntryCmd struct {
	Origin string
	DN     string
	Mods   []entry.Modification
}

func (c *modifyEntryCmd) Apply(s *Server, tx *bolt.Tx) error {
	if err := s.store.SetOrigin(tx, c.Origin); err != nil {
		return err
	}
	e, err := s.store.Get(tx, c.DN)
	if err != nil {
		return err
	}
	if e, err = entry.Apply(e, c.Mods); err != nil {
		return err
	}
	return s.store.Commit(tx, e, entry.OpModify)
}

func (*modifyEntryCmd) Type() uint { return cmdModifyEntry }

func (c *modifyEntryCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendString(b, c.Origin)
	b = msgp.AppendString(b, c.DN)
	b = msgp.AppendArrayHeader(b, uint32(len(c.Mods)))
	for _, mod := range c.Mods {
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendUint8(b, uint8(mod.Op))
		b = msgp.AppendString(b, mod.Attribute.Name)
		b = xmsgp.AppendStrings(b, mod.Attribute.Values)
	}
	return b, nil
}

func (c *modifyEntryCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 3)
	if err != nil {
		return b, err
	}

	var v modifyEntryCmd
	if v.Origin, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if v.DN, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	v.Mods = make([]entry.Modification, 0, n)
	for i := uint32(0); i < n; i++ {
		if b, err = xmsgp.ReadArrayHeader(b, 3); err != nil {
			return b, err
		}
		var (
			mod entry.Modification
			op  uint8
		)
		if op, b, err = msgp.ReadUint8Bytes(b); err != nil {
			return b, err
		}
		mod.Op = entry.ModOp(op)
		if mod.Attribute.Name, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		if mod.Attribute.Values, b, err = xmsgp.ReadStringsBytes(b); err != nil {
			return b, err
		}
		v.Mods = append(v.Mods, mod)
	}

	*c = v
	return b, nil
}

// deleteEntryCmd turns an entry into a tombstone.
type deleteEntryCmd struct {
	Origin string
	DN     string
}

func (c *deleteEntryCmd) Apply(s *Server, tx *bolt.Tx) error {
	if err := s.store.SetOrigin(tx, c.Origin); err != nil {
		return err
	}
	return s.store.Commit(tx, &entry.Entry{DN: c.DN}, entry.OpDelete)
}

func (*deleteEntryCmd) Type() uint { return cmdDeleteEntry }

func (c *deleteEntryCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, c.Origin)
	return msgp.AppendString(b, c.DN), nil
}

func (c *deleteEntryCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 2)
	if err != nil {
		return b, err
	}
	if c.Origin, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	c.DN, b, err = msgp.ReadStringBytes(b)
	return b, err
}

// joinClusterCmd adds a server to the cluster.
type joinClusterCmd struct {
	ID   string
	Addr Addr
}

func (c *joinClusterCmd) Apply(s *Server, tx *bolt.Tx) error {
	members, err := readCluster(tx)
	if err != nil {
		return err
	}
	members = maps.Clone(members)
	if !members.Add(c.ID, c.Addr) {
		return ErrAlreadyExists.withDetail("server '" + c.ID + "' or address '" + c.Addr.String() + "' is already part of the cluster")
	}
	if err = writeCluster(tx, members); err != nil {
		return err
	}
	tx.OnCommit(func() { s.setCluster(members) })
	return nil
}

func (*joinClusterCmd) Type() uint { return cmdJoinCluster }

func (c *joinClusterCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, c.ID)
	b = msgp.AppendString(b, c.Addr.String())
	return b, nil
}

func (c *joinClusterCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 2)
	if err != nil {
		return b, err
	}
	var addr string
	if c.ID, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if addr, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	c.Addr, err = ParseAddr(addr)
	return b, err
}

// leaveClusterCmd removes a server from the cluster.
type leaveClusterCmd struct {
	ID string
}

func (c *leaveClusterCmd) Apply(s *Server, tx *bolt.Tx) error {
	members, err := readCluster(tx)
	if err != nil {
		return err
	}
	members = maps.Clone(members)
	if !members.Remove(c.ID) {
		return ErrNoSuchObject.withDetail("server '" + c.ID + "' is not part of the cluster")
	}
	if len(members) == 0 {
		return ErrUnwillingToPerform.withDetail("cannot remove the last cluster member")
	}
	if err = writeCluster(tx, members); err != nil {
		return err
	}
	tx.OnCommit(func() { s.setCluster(members) })
	return nil
}

func (*leaveClusterCmd) Type() uint { return cmdLeaveCluster }

func (c *leaveClusterCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 1)
	return msgp.AppendString(b, c.ID), nil
}

func (c *leaveClusterCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 1)
	if err != nil {
		return b, err
	}
	c.ID, b, err = msgp.ReadStringBytes(b)
	return b, err
}

// replicatePageCmd applies a page of changes pulled from
// a legacy replication partner. Every server applies the
// page such that all servers share the agreement state.
//
// Proposal is a random ID of the proposal. The server
// that proposed the command receives the outcome of
// applying the page through it.
type replicatePageCmd struct {
	Proposal string
	Partner  string
	Origin   string
	Page     *repl.Page
}

func (c *replicatePageCmd) Apply(s *Server, tx *bolt.Tx) error {
	if err := s.store.SetOrigin(tx, c.Origin); err != nil {
		return err
	}
	result, err := repl.ApplyPage(s.store, tx, c.Partner, c.Page)
	if err != nil {
		return err
	}
	tx.OnCommit(func() {
		if ch, ok := s.proposals.LoadAndDelete(c.Proposal); ok {
			ch.(chan repl.PageResult) <- result
		}
	})
	return nil
}

func (*replicatePageCmd) Type() uint { return cmdReplicatePage }

func (c *replicatePageCmd) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendString(b, c.Proposal)
	b = msgp.AppendString(b, c.Partner)
	b = msgp.AppendString(b, c.Origin)
	return c.Page.MarshalMsg(b)
}

func (c *replicatePageCmd) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 4)
	if err != nil {
		return b, err
	}
	if c.Proposal, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if c.Partner, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if c.Origin, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	c.Page = new(repl.Page)
	return c.Page.UnmarshalMsg(b)
}
