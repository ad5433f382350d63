// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package watch

import (
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/store"
)

// An Event is a committed entry change with the
// revision assigned by the Repository.
//
// Successful is false if the entry images of the
// change could not be decoded. Such an event still
// occupies its revision and carries the operation
// and DN but no entry images.
type Event struct {
	Revision   uint64
	Op         entry.Op
	DN         string
	Before     *entry.Entry
	After      *entry.Entry
	Successful bool
}

// Decode converts a committed change into an event.
// It does not assign a revision.
func Decode(c store.Change) *Event {
	event := &Event{
		Op:         c.Op,
		DN:         c.DN,
		Successful: true,
	}

	var err error
	if len(c.Before) > 0 {
		if event.Before, err = entry.Decode(c.Before); err != nil {
			event.Before, event.Successful = nil, false
		}
	}
	if event.After, err = entry.Decode(c.After); err != nil {
		event.After, event.Successful = nil, false
	}
	if !event.Successful {
		event.Before, event.After = nil, nil
	}
	return event
}

// Filter selects the events delivered to a session.
// The zero Filter matches all events.
type Filter struct {
	// Ops, if not empty, are the operations of
	// matching events.
	Ops []entry.Op

	// ObjectClass, if not empty, is an object class
	// the after-image, or the before-image of a
	// delete, must have. Events that could not be
	// decoded always match since their object
	// classes are unknown.
	ObjectClass string
}

// Match reports whether the event matches the filter.
func (f *Filter) Match(event *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Ops) > 0 {
		var ok bool
		for _, op := range f.Ops {
			if op == event.Op {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ObjectClass == "" || !event.Successful {
		return true
	}

	e := event.After
	if event.Op == entry.OpDelete && event.Before != nil {
		e = event.Before
	}
	return e != nil && e.HasObjectClass(f.ObjectClass)
}

