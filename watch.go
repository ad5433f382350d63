// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/minio/lwdir/internal/api"
)

// WatchOptions select the changes delivered to a
// watch session.
type WatchOptions struct {
	// Base is the DN of the watched subtree. The empty
	// DN watches the entire directory.
	Base string

	// Ops, if not empty, restricts the session to changes
	// of the given operations: OpAdd, OpModify or OpDelete.
	Ops []string

	// ObjectClass, if not empty, restricts the session
	// to entries of the given object class.
	ObjectClass string

	// StartRevision is the revision of the first event
	// the session receives. If 0, the session receives
	// all events published after it has been started.
	StartRevision uint64
}

// PollOptions control a poll of a watch session.
type PollOptions struct {
	Max  int           // Max. number of events. If 0, the server default is used
	Wait time.Duration // Time to wait for events. If 0, the server default is used
}

// WatchEvent is a committed entry change.
type WatchEvent struct {
	Revision uint64
	Op       string
	DN       string

	// Before is the entry before the change. It is
	// nil for added entries.
	Before *Entry

	// After is the entry after the change. A deleted
	// entry is reported as tombstone.
	After *Entry

	// Successful is false if the server could not
	// decode the change. Such an event carries no
	// entries.
	Successful bool
}

// WatchResult is the result of polling a watch session.
type WatchResult struct {
	Events []WatchEvent

	// Revision is the revision of the session after the
	// poll. The next poll returns newer events only.
	Revision uint64

	// CompactRevision is the highest revision that has
	// been discarded by the server.
	CompactRevision uint64
}

// ErrorStream is a stream of error log events
// produced by a directory server.
type ErrorStream struct {
	decoder *json.Decoder
	closer  io.Closer

	message string
	err     error
	closed  bool
}

// NewErrorStream returns a new ErrorStream that reads
// error log events from r.
func NewErrorStream(r io.Reader) *ErrorStream {
	s := &ErrorStream{decoder: json.NewDecoder(r)}
	if closer, ok := r.(io.Closer); ok {
		s.closer = closer
	}
	return s
}

// Next advances the stream to the next event. It
// returns false when there are no more events or
// an error occurred.
func (s *ErrorStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}
	var event api.ErrorLogEvent
	if err := s.decoder.Decode(&event); err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.message = event.Message
	return true
}

// Message returns the message of the current event.
func (s *ErrorStream) Message() string { return s.message }

// Close closes the stream. It returns the first error,
// if any, encountered while iterating over the stream.
func (s *ErrorStream) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && s.err == nil {
			s.err = err
		}
	}
	return s.err
}
