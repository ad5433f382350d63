// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/lwdir/internal/entry"
)

// ErrConstraintViolation is returned when an entry
// violates the schema.
var ErrConstraintViolation = errors.New("schema: constraint violation")

// ExtensibleObject is the object class that permits
// any known attribute type.
const ExtensibleObject = "extensibleObject"

// Check reports whether the entry conforms to the
// schema generation of the Snapshot.
//
// An entry must have at least one object class, all
// its object classes and attribute types must be
// known, it must contain all attributes required by
// its object classes and their superclasses, and it
// must not contain attributes that none of its object
// classes permits, unless it is an extensibleObject.
// Single-valued attributes must have exactly one value.
func (s *Snapshot) Check(e *entry.Entry) error {
	classes := e.Get(entry.AttrObjectClass)
	if len(classes) == 0 {
		return fmt.Errorf("%w: entry '%s' has no object class", ErrConstraintViolation, e.DN)
	}

	var (
		must       = map[*Definition]bool{}
		may        = map[*Definition]bool{}
		extensible bool
	)
	if d, ok := s.AttributeType(entry.AttrObjectClass); ok {
		must[d] = true
	}
	for _, name := range classes {
		class, ok := s.ObjectClass(name)
		if !ok {
			return fmt.Errorf("%w: entry '%s' has unknown object class '%s'", ErrConstraintViolation, e.DN, name)
		}
		if strings.EqualFold(class.Name(), ExtensibleObject) {
			extensible = true
		}
		s.collect(class, must, may, map[*Definition]bool{})
	}

	present := map[*Definition]bool{}
	for _, attr := range e.Attributes {
		def, ok := s.AttributeType(attr.Name)
		if !ok {
			return fmt.Errorf("%w: entry '%s' has unknown attribute '%s'", ErrConstraintViolation, e.DN, attr.Name)
		}
		if len(attr.Values) == 0 {
			return fmt.Errorf("%w: attribute '%s' of entry '%s' has no values", ErrConstraintViolation, attr.Name, e.DN)
		}
		if def.SingleValue && len(attr.Values) > 1 {
			return fmt.Errorf("%w: single-valued attribute '%s' of entry '%s' has %d values", ErrConstraintViolation, attr.Name, e.DN, len(attr.Values))
		}
		if !extensible && !must[def] && !may[def] {
			return fmt.Errorf("%w: attribute '%s' is not allowed for entry '%s'", ErrConstraintViolation, attr.Name, e.DN)
		}
		present[def] = true
	}
	for def := range must {
		if !present[def] {
			return fmt.Errorf("%w: entry '%s' is missing required attribute '%s'", ErrConstraintViolation, e.DN, def.Name())
		}
	}
	return nil
}

// collect adds the MUST and MAY attribute types of
// the class and all its superclasses.
func (s *Snapshot) collect(class *Definition, must, may, seen map[*Definition]bool) {
	if seen[class] {
		return
	}
	seen[class] = true

	for _, name := range class.Must {
		if d, ok := s.AttributeType(name); ok {
			must[d] = true
		}
	}
	for _, name := range class.May {
		if d, ok := s.AttributeType(name); ok {
			may[d] = true
		}
	}
	for _, name := range class.Sup {
		if sup, ok := s.ObjectClass(name); ok {
			s.collect(sup, must, may, seen)
		}
	}
}
