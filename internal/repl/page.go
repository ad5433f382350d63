// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package repl

import (
	"fmt"

	"github.com/minio/lwdir/internal/entry"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/store"
	"github.com/tinylib/msgp/msgp"
	bolt "go.etcd.io/bbolt"
)

// DefaultPageSize is the max. number of entries
// returned by PullPage if a request does not
// specify a page size.
const DefaultPageSize = 100

// PageRequest is a request for the next page of
// changes sent by a consumer to a supplier.
type PageRequest struct {
	Requester string    // Server ID of the consumer
	StartUSN  uint64    // Return changes with a supplier USN above StartUSN
	Filter    string    // Only return entries within this subtree, if set
	UTD       UTDVector // Consumer's up-to-date vector
	Size      int       // Max. number of entries
}

// Page is a page of changes returned by a supplier.
type Page struct {
	Entries []*entry.Entry

	// LastUSN is the highest supplier USN examined
	// while building the page. It includes entries
	// that have been filtered out.
	LastUSN uint64

	// UTD is the supplier's up-to-date vector.
	UTD UTDVector

	// More indicates that the supplier has more
	// changes above LastUSN.
	More bool
}

// PullPage returns the next page of changes after
// req.StartUSN within the transaction tx.
//
// Changes are returned in supplier USN order. Changes
// already covered by the consumer's UTD vector are
// skipped.
func PullPage(s *store.Store, tx *bolt.Tx, req *PageRequest) (*Page, error) {
	size := req.Size
	if size <= 0 {
		size = DefaultPageSize
	}
	var filter string
	if req.Filter != "" {
		var err error
		if filter, err = entry.Normalize(req.Filter); err != nil {
			return nil, fmt.Errorf("%w: invalid filter '%s'", store.ErrInvalidParameter, req.Filter)
		}
	}

	page := &Page{
		LastUSN: req.StartUSN,
	}
	err := s.Changes(tx, req.StartUSN, func(e *entry.Entry) bool {
		if len(page.Entries) >= size {
			page.More = true
			return false
		}
		page.LastUSN = e.USN
		if req.UTD.Covers(e.Origin) {
			return true
		}
		if filter != "" && !entry.IsDescendant(e.DN, filter) {
			return true
		}
		page.Entries = append(page.Entries, e)
		return true
	})
	if err != nil {
		return nil, err
	}

	if page.UTD, err = loadUTD(s, tx); err != nil {
		return nil, err
	}
	return page, nil
}

// MarshalMsg appends the MessagePack encoding of the
// request to b.
func (r *PageRequest) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendString(b, r.Requester)
	b = msgp.AppendUint64(b, r.StartUSN)
	b = msgp.AppendString(b, r.Filter)
	b = xmsgp.AppendCounters(b, r.UTD)
	b = msgp.AppendInt(b, r.Size)
	return b, nil
}

// UnmarshalMsg decodes the request from b and returns
// the remaining bytes.
func (r *PageRequest) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 5)
	if err != nil {
		return b, err
	}
	if r.Requester, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if r.StartUSN, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if r.Filter, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	var utd map[string]uint64
	if utd, b, err = xmsgp.ReadCountersBytes(b); err != nil {
		return b, err
	}
	r.UTD = utd
	if r.Size, b, err = msgp.ReadIntBytes(b); err != nil {
		return b, err
	}
	return b, nil
}

// MarshalMsg appends the MessagePack encoding of the
// page to b.
func (p *Page) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendArrayHeader(b, uint32(len(p.Entries)))
	for _, e := range p.Entries {
		var err error
		if b, err = e.MarshalMsg(b); err != nil {
			return b, err
		}
	}
	b = msgp.AppendUint64(b, p.LastUSN)
	b = xmsgp.AppendCounters(b, p.UTD)
	b = msgp.AppendBool(b, p.More)
	return b, nil
}

// UnmarshalMsg decodes the page from b and returns
// the remaining bytes.
func (p *Page) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 4)
	if err != nil {
		return b, err
	}

	var n uint32
	if n, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
		return b, err
	}
	p.Entries = make([]*entry.Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		e := new(entry.Entry)
		if b, err = e.UnmarshalMsg(b); err != nil {
			return b, err
		}
		p.Entries = append(p.Entries, e)
	}
	if p.LastUSN, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	var utd map[string]uint64
	if utd, b, err = xmsgp.ReadCountersBytes(b); err != nil {
		return b, err
	}
	p.UTD = utd
	if p.More, b, err = msgp.ReadBoolBytes(b); err != nil {
		return b, err
	}
	return b, nil
}
