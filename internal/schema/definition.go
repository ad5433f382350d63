// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package schema implements the directory schema and
// a versioned, generation-indexed schema cache.
package schema

import (
	"errors"
	"strings"
)

// ErrInvalidDefinition is returned when a schema
// definition cannot be parsed or references unknown
// definitions.
var ErrInvalidDefinition = errors.New("schema: invalid definition")

// Kind is the kind of a schema definition.
type Kind uint8

// Schema definition kinds.
const (
	AttributeType Kind = iota + 1
	ObjectClass
	ContentRule
	StructureRule
	NameForm
)

// String returns the name of the definition kind.
func (k Kind) String() string {
	switch k {
	case AttributeType:
		return "attributeType"
	case ObjectClass:
		return "objectClass"
	case ContentRule:
		return "contentRule"
	case StructureRule:
		return "structureRule"
	case NameForm:
		return "nameForm"
	default:
		return "unknown"
	}
}

// ClassKind is the kind of an object class.
type ClassKind uint8

// Object class kinds. Object classes without an
// explicit kind are structural.
const (
	Structural ClassKind = iota
	Auxiliary
	Abstract
)

// Definition is a schema definition.
//
// Not all fields are meaningful for all kinds. For
// example, only attribute types can be single-valued
// and only content rules have auxiliary classes.
type Definition struct {
	Kind  Kind
	OID   string // numeric OID or, for structure rules, the rule ID
	Names []string
	Desc  string

	Sup  []string // superior attribute types, classes or rules
	Must []string
	May  []string
	Aux  []string // auxiliary classes allowed by a content rule
	Not  []string // attributes precluded by a content rule
	OC   string   // structural class of a name form
	Form string   // name form of a structure rule

	SingleValue bool
	ClassKind   ClassKind

	raw string
}

// Name returns the primary name of the definition or
// its OID if it has no name.
func (d *Definition) Name() string {
	if len(d.Names) > 0 {
		return d.Names[0]
	}
	return d.OID
}

// String returns the textual representation the
// definition has been parsed from.
func (d *Definition) String() string { return d.raw }

// keys returns the lower-case names and the OID of
// the definition.
func (d *Definition) keys() []string {
	keys := make([]string, 0, len(d.Names)+1)
	for _, name := range d.Names {
		keys = append(keys, strings.ToLower(name))
	}
	if d.OID != "" {
		keys = append(keys, strings.ToLower(d.OID))
	}
	return keys
}
