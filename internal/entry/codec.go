// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package entry

import (
	"github.com/google/uuid"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/tinylib/msgp/msgp"
)

// MarshalMsg appends the MessagePack encoding of the
// entry to b.
func (e *Entry) MarshalMsg(b []byte) ([]byte, error) {
	const Items = 8

	b = msgp.AppendArrayHeader(b, Items)
	b = msgp.AppendUint64(b, e.ID)
	b = msgp.AppendString(b, e.DN)
	b = msgp.AppendArrayHeader(b, uint32(len(e.Attributes)))
	for _, a := range e.Attributes {
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, a.Name)
		b = xmsgp.AppendStrings(b, a.Values)
	}
	b = msgp.AppendUint64(b, e.USN)
	b = msgp.AppendBytes(b, e.GUID[:])
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, e.Origin.ServerID)
	b = msgp.AppendUint64(b, e.Origin.USN)
	b = msgp.AppendUint64(b, e.Version)
	b = msgp.AppendBool(b, e.Tombstone)
	return b, nil
}

// UnmarshalMsg decodes the entry from b and returns
// the remaining bytes.
func (e *Entry) UnmarshalMsg(b []byte) ([]byte, error) {
	const Items = 8

	b, err := xmsgp.ReadArrayHeader(b, Items)
	if err != nil {
		return b, err
	}

	var v Entry
	if v.ID, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.DN, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}

	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	v.Attributes = make([]Attribute, 0, n)
	for i := uint32(0); i < n; i++ {
		var a Attribute
		if b, err = xmsgp.ReadArrayHeader(b, 2); err != nil {
			return b, err
		}
		if a.Name, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, err
		}
		if a.Values, b, err = xmsgp.ReadStringsBytes(b); err != nil {
			return b, err
		}
		v.Attributes = append(v.Attributes, a)
	}

	if v.USN, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	var guid [16]byte
	if b, err = msgp.ReadExactBytes(b, guid[:]); err != nil {
		return b, err
	}
	v.GUID = uuid.UUID(guid)

	if b, err = xmsgp.ReadArrayHeader(b, 2); err != nil {
		return b, err
	}
	if v.Origin.ServerID, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if v.Origin.USN, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.Version, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.Tombstone, b, err = msgp.ReadBoolBytes(b); err != nil {
		return b, err
	}

	*e = v
	return b, nil
}

// Encode returns the MessagePack encoding of e.
func Encode(e *Entry) []byte {
	b, _ := e.MarshalMsg(make([]byte, 0, 128))
	return b
}

// Decode decodes a MessagePack encoded entry.
func Decode(b []byte) (*Entry, error) {
	e := new(Entry)
	if err := xmsgp.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
