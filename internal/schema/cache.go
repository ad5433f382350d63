// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package schema

import (
	"fmt"
	"strings"
	"sync"
)

// NamingContext is the DN of the schema subtree.
const NamingContext = "cn=schemacontext"

// Cache is a versioned schema cache.
//
// The schema is kept as a sequence of immutable
// generations. Readers pin the current generation by
// its index via Acquire and unpin it via Release.
// A Patch never modifies an existing generation but
// creates a new one. Generations that are no longer
// current are dropped once their last reader is gone.
//
// A Cache also provides the schema-modification mutex
// that serializes writes to the schema subtree.
type Cache struct {
	mod sync.Locker

	mu      sync.Mutex
	current uint64
	gens    map[uint64]*generation
}

// New returns a new Cache whose first generation
// contains the given definitions.
//
// If mod is nil, the Cache uses its own mutex as
// schema-modification mutex.
func New(defs []*Definition, mod sync.Locker) (*Cache, error) {
	gen, err := newGeneration(1, nil, defs)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		mod = new(sync.Mutex)
	}
	return &Cache{
		mod:     mod,
		current: gen.id,
		gens:    map[uint64]*generation{gen.id: gen},
	}, nil
}

// Lock acquires the schema-modification mutex.
func (c *Cache) Lock() { c.mod.Lock() }

// Unlock releases the schema-modification mutex.
func (c *Cache) Unlock() { c.mod.Unlock() }

// Acquire returns a Snapshot of the current schema
// generation. The Snapshot remains valid until it
// is released, even if the schema is patched
// concurrently.
func (c *Cache) Acquire() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.gens[c.current]
	gen.readers++
	return &Snapshot{cache: c, gen: gen}
}

// Generation returns the index of the current
// schema generation.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Generations returns the number of generations
// kept by the Cache.
func (c *Cache) Generations() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.gens)
}

// Validate reports whether the definitions can be
// merged into the current generation.
func (c *Cache) Validate(defs []*Definition) error {
	c.mu.Lock()
	gen := c.gens[c.current]
	c.mu.Unlock()

	_, err := newGeneration(0, gen, defs)
	return err
}

// Patch merges the definitions into a new generation
// and makes it the current one. Definitions replace
// existing definitions with the same name or OID.
//
// It returns the index of the new generation.
func (c *Cache) Patch(defs []*Definition) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen, err := newGeneration(c.current+1, c.gens[c.current], defs)
	if err != nil {
		return 0, err
	}
	c.gens[gen.id] = gen
	c.current = gen.id
	c.gc()
	return gen.id, nil
}

func (c *Cache) release(gen *generation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen.readers--
	c.gc()
}

// gc removes all generations except the current one
// that have no readers. The caller must hold c.mu.
func (c *Cache) gc() {
	for id, gen := range c.gens {
		if id != c.current && gen.readers <= 0 {
			delete(c.gens, id)
		}
	}
}

// Snapshot is a pinned schema generation.
type Snapshot struct {
	cache *Cache
	gen   *generation
	once  sync.Once
}

// Generation returns the index of the schema
// generation pinned by the Snapshot.
func (s *Snapshot) Generation() uint64 { return s.gen.id }

// Release unpins the schema generation. Calling
// Release more than once has no effect.
func (s *Snapshot) Release() { s.once.Do(func() { s.cache.release(s.gen) }) }

// AttributeType returns the attribute type with the
// given name or OID.
func (s *Snapshot) AttributeType(name string) (*Definition, bool) {
	d, ok := s.gen.attrs[strings.ToLower(name)]
	return d, ok
}

// ObjectClass returns the object class with the given
// name or OID.
func (s *Snapshot) ObjectClass(name string) (*Definition, bool) {
	d, ok := s.gen.classes[strings.ToLower(name)]
	return d, ok
}

// Definitions returns all definitions of the given kind.
func (s *Snapshot) Definitions(kind Kind) []*Definition {
	var defs []*Definition
	for _, d := range s.gen.defs {
		if d.Kind == kind {
			defs = append(defs, d)
		}
	}
	return defs
}

type generation struct {
	id      uint64
	readers int

	defs    []*Definition
	attrs   map[string]*Definition
	classes map[string]*Definition
}

// newGeneration returns a generation containing all
// definitions of the base generation, if any, merged
// with defs.
func newGeneration(id uint64, base *generation, defs []*Definition) (*generation, error) {
	gen := &generation{
		id:      id,
		attrs:   map[string]*Definition{},
		classes: map[string]*Definition{},
	}

	var all []*Definition
	if base != nil {
		all = append(all, base.defs...)
	}
	for _, def := range defs {
		replaced := false
		for i, d := range all {
			if d.Kind == def.Kind && overlaps(d, def) {
				all[i], replaced = def, true
				break
			}
		}
		if !replaced {
			all = append(all, def)
		}
	}

	for _, def := range all {
		switch def.Kind {
		case AttributeType:
			for _, key := range def.keys() {
				gen.attrs[key] = def
			}
		case ObjectClass:
			for _, key := range def.keys() {
				gen.classes[key] = def
			}
		}
	}
	gen.defs = all

	if err := gen.verify(); err != nil {
		return nil, err
	}
	return gen, nil
}

// verify checks that all references between the
// definitions of the generation can be resolved.
func (g *generation) verify() error {
	resolve := func(m map[string]*Definition, def *Definition, names []string) error {
		for _, name := range names {
			if _, ok := m[strings.ToLower(name)]; !ok {
				return fmt.Errorf("%w: %s '%s' references unknown '%s'", ErrInvalidDefinition, def.Kind, def.Name(), name)
			}
		}
		return nil
	}

	forms := map[string]bool{}
	for _, def := range g.defs {
		if def.Kind == NameForm {
			for _, key := range def.keys() {
				forms[key] = true
			}
		}
	}

	for _, def := range g.defs {
		var err error
		switch def.Kind {
		case AttributeType:
			err = resolve(g.attrs, def, def.Sup)
		case ObjectClass:
			if err = resolve(g.classes, def, def.Sup); err == nil {
				if err = resolve(g.attrs, def, def.Must); err == nil {
					err = resolve(g.attrs, def, def.May)
				}
			}
		case ContentRule:
			if err = resolve(g.classes, def, def.Aux); err == nil {
				if err = resolve(g.attrs, def, def.Must); err == nil {
					if err = resolve(g.attrs, def, def.May); err == nil {
						err = resolve(g.attrs, def, def.Not)
					}
				}
			}
		case NameForm:
			if err = resolve(g.classes, def, []string{def.OC}); err == nil {
				err = resolve(g.attrs, def, def.Must)
			}
		case StructureRule:
			if !forms[strings.ToLower(def.Form)] {
				err = fmt.Errorf("%w: structure rule '%s' references unknown name form '%s'", ErrInvalidDefinition, def.Name(), def.Form)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func overlaps(a, b *Definition) bool {
	for _, x := range a.keys() {
		for _, y := range b.keys() {
			if x == y {
				return true
			}
		}
	}
	return false
}
