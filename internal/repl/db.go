// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package repl

import (
	"encoding/binary"
	"fmt"

	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/store"
	"github.com/tinylib/msgp/msgp"
	bolt "go.etcd.io/bbolt"
)

const (
	dbAgreementBucket = "repl.agreement" // partner ID -> agreement
	dbUTDBucket       = "repl.utd"       // server ID  -> highest applied USN
)

// Agreement is the persisted state of a replication
// agreement with one partner.
type Agreement struct {
	Partner string

	// LastUSN is the highest supplier USN processed
	// from the partner.
	LastUSN uint64

	Applied       uint64 // Number of applied entries
	OutOfSequence uint64 // Number of entries received out of USN order
}

// PageResult describes the outcome of applying a page.
type PageResult struct {
	Applied       int // Entries newer than the local copy
	Skipped       int // Entries already reflected locally
	OutOfSequence int // Entries with a supplier USN <= the last one processed from the partner
}

// ApplyPage applies a page received from partner within
// the write transaction tx. The transaction must have
// been opened by s.Update.
//
// All entries are applied with last-writer-wins semantics.
// The agreement's high-water mark is raised to the page's
// LastUSN. Once the supplier has no more changes, its UTD
// vector is merged into the local one.
//
// If ApplyPage returns an error the caller must roll back
// tx such that the page is retried as a whole.
func ApplyPage(s *store.Store, tx *bolt.Tx, partner string, page *Page) (PageResult, error) {
	var result PageResult
	a, err := readAgreement(tx, partner)
	if err != nil {
		return result, err
	}
	last := a.LastUSN
	for _, e := range page.Entries {
		if e.USN <= last {
			result.OutOfSequence++
		} else {
			last = e.USN
		}
		applied, err := s.Apply(tx, e)
		if err != nil {
			return result, fmt.Errorf("repl: failed to apply '%s' from '%s': %w", e.DN, partner, err)
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}

	if page.LastUSN > last {
		last = page.LastUSN
	}
	a.LastUSN = last
	a.Applied += uint64(result.Applied)
	a.OutOfSequence += uint64(result.OutOfSequence)
	if err = writeAgreement(tx, a); err != nil {
		return result, err
	}
	if !page.More {
		if err = mergeUTD(s, tx, page.UTD); err != nil {
			return result, err
		}
	}
	return result, nil
}

// LoadUTD returns the UTD vector of the local server.
func LoadUTD(s *store.Store, tx *bolt.Tx) (UTDVector, error) { return loadUTD(s, tx) }

// LoadAgreements returns the persisted state of all
// agreements.
func LoadAgreements(tx *bolt.Tx) ([]Agreement, error) {
	b := tx.Bucket([]byte(dbAgreementBucket))
	if b == nil {
		return nil, nil
	}

	var agreements []Agreement
	err := b.ForEach(func(_, v []byte) error {
		var a Agreement
		if err := xmsgp.Unmarshal(v, &a); err != nil {
			return &store.BackendError{Op: "decode agreement", Err: err}
		}
		agreements = append(agreements, a)
		return nil
	})
	return agreements, err
}

// loadUTD reads the stored vector and adds the origin
// of the local store whose own changes are always
// up-to-date.
func loadUTD(s *store.Store, tx *bolt.Tx) (UTDVector, error) {
	utd := UTDVector{}
	if b := tx.Bucket([]byte(dbUTDBucket)); b != nil {
		err := b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return &store.BackendError{Op: "decode UTD vector", Err: fmt.Errorf("invalid USN for '%s'", k)}
			}
			utd[string(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	usn, err := s.HighestUSN(tx)
	if err != nil {
		return nil, err
	}
	utd.Update(s.Origin(tx), usn)
	return utd, nil
}

func mergeUTD(s *store.Store, tx *bolt.Tx, utd UTDVector) error {
	if len(utd) == 0 {
		return nil
	}
	b, err := tx.CreateBucketIfNotExists([]byte(dbUTDBucket))
	if err != nil {
		return &store.BackendError{Op: "create UTD bucket", Err: err}
	}
	origin := s.Origin(tx)
	for id, usn := range utd {
		if id == origin {
			continue
		}
		if v := b.Get([]byte(id)); len(v) == 8 && binary.BigEndian.Uint64(v) >= usn {
			continue
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], usn)
		if err = b.Put([]byte(id), v[:]); err != nil {
			return &store.BackendError{Op: "update UTD vector", Err: err}
		}
	}
	return nil
}

func readAgreement(tx *bolt.Tx, partner string) (Agreement, error) {
	a := Agreement{Partner: partner}
	b := tx.Bucket([]byte(dbAgreementBucket))
	if b == nil {
		return a, nil
	}
	v := b.Get([]byte(partner))
	if v == nil {
		return a, nil
	}
	if err := xmsgp.Unmarshal(v, &a); err != nil {
		return a, &store.BackendError{Op: "decode agreement", Err: err}
	}
	return a, nil
}

func writeAgreement(tx *bolt.Tx, a Agreement) error {
	b, err := tx.CreateBucketIfNotExists([]byte(dbAgreementBucket))
	if err != nil {
		return &store.BackendError{Op: "create agreement bucket", Err: err}
	}
	v, err := a.MarshalMsg(nil)
	if err != nil {
		return err
	}
	if err = b.Put([]byte(a.Partner), v); err != nil {
		return &store.BackendError{Op: "write agreement", Err: err}
	}
	return nil
}

// MarshalMsg appends the MessagePack encoding of the
// agreement to b.
func (a *Agreement) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendString(b, a.Partner)
	b = msgp.AppendUint64(b, a.LastUSN)
	b = msgp.AppendUint64(b, a.Applied)
	b = msgp.AppendUint64(b, a.OutOfSequence)
	return b, nil
}

// UnmarshalMsg decodes the agreement from b and returns
// the remaining bytes.
func (a *Agreement) UnmarshalMsg(b []byte) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 4)
	if err != nil {
		return b, err
	}
	if a.Partner, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if a.LastUSN, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if a.Applied, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if a.OutOfSequence, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}
