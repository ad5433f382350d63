// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import "strings"

// Entry is a directory entry.
type Entry struct {
	DN         string      // The normalized distinguished name
	Attributes []Attribute // The attributes of the entry
	GUID       string      // The object GUID, stable across renames and replicas

	USN     uint64 // The local update sequence number of the last change
	Version uint64 // The number of changes applied to the entry

	// OriginServer is the ID of the server at which
	// the last change originated and OriginUSN is
	// the change's USN at that server.
	OriginServer string
	OriginUSN    uint64
}

// Get returns the values of the attribute with the
// given name. Attribute names are case-insensitive.
func (e *Entry) Get(name string) []string {
	for _, attr := range e.Attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr.Values
		}
	}
	return nil
}

// Attribute is a directory attribute with its values.
type Attribute struct {
	Name   string
	Values []string
}

// ModOp is the kind of an attribute modification.
type ModOp string

// Attribute modification kinds.
const (
	// ModAdd adds values to an attribute. It fails if
	// a value is already present.
	ModAdd ModOp = "add"

	// ModReplace replaces all values of an attribute.
	ModReplace ModOp = "replace"

	// ModDelete removes the given values of an attribute
	// or the entire attribute if no values are given.
	ModDelete ModOp = "delete"
)

// Modification is a change of one entry attribute.
type Modification struct {
	Op     ModOp
	Name   string
	Values []string
}

// Entry change operations reported by watch events.
const (
	OpAdd    = "ADD"
	OpModify = "MOD"
	OpDelete = "DEL"
)
