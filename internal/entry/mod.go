// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package entry

import (
	"errors"
	"strings"
)

var (
	// ErrValueExists is returned when a modification adds
	// a value that the attribute already contains.
	ErrValueExists = errors.New("entry: attribute value already exists")

	// ErrNoSuchAttribute is returned when a modification
	// deletes a value or attribute that does not exist.
	ErrNoSuchAttribute = errors.New("entry: no such attribute or value")
)

// ModOp is the kind of an attribute modification.
type ModOp uint8

// Attribute modification kinds.
const (
	ModAdd ModOp = iota + 1
	ModReplace
	ModDelete
)

// String returns the string representation of the ModOp.
func (o ModOp) String() string {
	switch o {
	case ModAdd:
		return "add"
	case ModReplace:
		return "replace"
	case ModDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseModOp parses s as one of "add", "replace" or "delete".
func ParseModOp(s string) (ModOp, bool) {
	switch strings.ToLower(s) {
	case "add":
		return ModAdd, true
	case "replace":
		return ModReplace, true
	case "delete":
		return ModDelete, true
	default:
		return 0, false
	}
}

// Modification describes a change of one attribute.
type Modification struct {
	Op        ModOp
	Attribute Attribute
}

// Apply returns a copy of e with all modifications
// applied in order. It does not modify e.
//
// A ModAdd appends values to the attribute and fails
// with ErrValueExists if a value is already present.
// A ModDelete without values removes the attribute;
// otherwise it removes the listed values and fails
// with ErrNoSuchAttribute if one is missing.
// A ModReplace replaces all values.
func Apply(e *Entry, mods []Modification) (*Entry, error) {
	c := e.Clone()
	for _, mod := range mods {
		name := mod.Attribute.Name
		switch mod.Op {
		case ModAdd:
			values := c.Get(name)
			for _, v := range mod.Attribute.Values {
				if contains(values, v) {
					return nil, ErrValueExists
				}
				values = append(values, v)
			}
			c.Set(name, values...)
		case ModReplace:
			c.Set(name, mod.Attribute.Values...)
		case ModDelete:
			if !c.Has(name) {
				return nil, ErrNoSuchAttribute
			}
			if len(mod.Attribute.Values) == 0 {
				c.Set(name)
				continue
			}
			values := append([]string(nil), c.Get(name)...)
			for _, v := range mod.Attribute.Values {
				i := index(values, v)
				if i < 0 {
					return nil, ErrNoSuchAttribute
				}
				values = append(values[:i], values[i+1:]...)
			}
			c.Set(name, values...)
		default:
			return nil, errors.New("entry: invalid modification '" + mod.Op.String() + "'")
		}
	}
	return c, nil
}

func contains(values []string, v string) bool { return index(values, v) >= 0 }

func index(values []string, v string) int {
	for i := range values {
		if strings.EqualFold(values[i], v) {
			return i
		}
	}
	return -1
}
