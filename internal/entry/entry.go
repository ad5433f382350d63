// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package entry implements the directory entry model.
//
// An Entry is identified by its distinguished name (DN)
// and carries an ordered list of attributes. Each entry
// also tracks replication metadata: the local update
// sequence number (USN) of its last change and the
// origin of that change.
package entry

import (
	"strings"

	"github.com/google/uuid"
)

// Common attribute types.
const (
	AttrObjectClass = "objectClass"
	AttrCN          = "cn"
)

// Op is the kind of mutation applied to an entry.
type Op uint8

// Entry mutation kinds.
const (
	OpAdd Op = iota + 1
	OpModify
	OpDelete
)

// String returns the string representation of the Op.
func (o Op) String() string {
	switch o {
	case OpAdd:
		return "ADD"
	case OpModify:
		return "MOD"
	case OpDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// ParseOp parses s as one of "ADD", "MOD" or "DEL".
func ParseOp(s string) (Op, bool) {
	switch strings.ToUpper(s) {
	case "ADD":
		return OpAdd, true
	case "MOD":
		return OpModify, true
	case "DEL":
		return OpDelete, true
	default:
		return 0, false
	}
}

// Attribute is an attribute type with its values.
type Attribute struct {
	Name   string
	Values []string
}

// Origin identifies the server and the USN at which
// a change has been made originally.
type Origin struct {
	ServerID string
	USN      uint64
}

// IsZero reports whether o is the zero Origin.
func (o Origin) IsZero() bool { return o.ServerID == "" && o.USN == 0 }

// Entry is a directory entry.
type Entry struct {
	ID         uint64 // Local entry ID, assigned by the store
	DN         string // Normalized distinguished name
	Attributes []Attribute

	USN       uint64    // Local USN of the last change
	GUID      uuid.UUID // Object GUID, stable across servers
	Origin    Origin    // Originating server and USN of the last change
	Version   uint64    // Number of changes applied to the entry
	Tombstone bool      // Deleted entries are kept as tombstones
}

// Get returns the values of the attribute, if present.
// Attribute types are compared case-insensitively.
func (e *Entry) Get(name string) []string {
	if i := e.index(name); i >= 0 {
		return e.Attributes[i].Values
	}
	return nil
}

// Has reports whether the entry contains the attribute.
func (e *Entry) Has(name string) bool { return e.index(name) >= 0 }

// Set replaces the values of the attribute. If values
// is empty, the attribute is removed.
func (e *Entry) Set(name string, values ...string) {
	i := e.index(name)
	switch {
	case len(values) == 0 && i >= 0:
		e.Attributes = append(e.Attributes[:i], e.Attributes[i+1:]...)
	case len(values) == 0:
	case i >= 0:
		e.Attributes[i].Values = append([]string(nil), values...)
	default:
		e.Attributes = append(e.Attributes, Attribute{
			Name:   name,
			Values: append([]string(nil), values...),
		})
	}
}

// HasObjectClass reports whether the entry has the
// given object class.
func (e *Entry) HasObjectClass(class string) bool {
	for _, v := range e.Get(AttrObjectClass) {
		if strings.EqualFold(v, class) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Attributes = make([]Attribute, 0, len(e.Attributes))
	for _, a := range e.Attributes {
		c.Attributes = append(c.Attributes, Attribute{
			Name:   a.Name,
			Values: append([]string(nil), a.Values...),
		})
	}
	return &c
}

func (e *Entry) index(name string) int {
	for i := range e.Attributes {
		if strings.EqualFold(e.Attributes[i].Name, name) {
			return i
		}
	}
	return -1
}

// Compare compares the replication metadata of a and b
// and returns -1, 0 or +1 when the change recorded by a
// is older, the same or newer than the one recorded by b.
//
// Changes are ordered by entry version first. Changes
// with the same version are ordered by originating
// server ID and then by originating USN. The greater
// change wins a replication conflict.
func Compare(a, b *Entry) int {
	switch {
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	}
	if c := strings.Compare(a.Origin.ServerID, b.Origin.ServerID); c != 0 {
		return c
	}
	switch {
	case a.Origin.USN < b.Origin.USN:
		return -1
	case a.Origin.USN > b.Origin.USN:
		return 1
	}
	return 0
}
