// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package msgp provides helpers for hand-written
// MessagePack encodings built on top of tinylib/msgp.
//
// All encodings are flat msgp arrays. A decoder checks
// the number of array items such that adding a field
// to an encoding is a detectable format change.
package msgp

import (
	"errors"

	"github.com/tinylib/msgp/msgp"
)

// ErrTrailingBytes is returned by Unmarshal when the
// input contains bytes after the encoded value.
var ErrTrailingBytes = errors.New("msgp: trailing bytes after value")

// Marshaler is implemented by types that can append
// their MessagePack encoding to a byte slice.
type Marshaler interface {
	MarshalMsg([]byte) ([]byte, error)
}

// Unmarshaler is implemented by types that can decode
// themselves from a MessagePack encoding and return
// the remaining bytes.
type Unmarshaler interface {
	UnmarshalMsg([]byte) ([]byte, error)
}

// Marshal returns the MessagePack encoding of v.
func Marshal(v Marshaler) ([]byte, error) { return v.MarshalMsg(nil) }

// Unmarshal decodes b into v. It returns an error
// if b contains trailing bytes.
func Unmarshal(b []byte, v Unmarshaler) error {
	b, err := v.UnmarshalMsg(b)
	if err != nil {
		return err
	}
	if len(b) != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// ReadArrayHeader reads an array header and returns
// an error if the array does not contain exactly
// items elements.
func ReadArrayHeader(b []byte, items uint32) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if n != items {
		return b, msgp.ArrayError{Wanted: items, Got: n}
	}
	return b, nil
}

// AppendStrings appends the string slice as msgp array.
func AppendStrings(b []byte, s []string) []byte {
	b = msgp.AppendArrayHeader(b, uint32(len(s)))
	for _, v := range s {
		b = msgp.AppendString(b, v)
	}
	return b
}

// ReadStringsBytes reads a msgp array of strings.
func ReadStringsBytes(b []byte) ([]string, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}
	if n == 0 {
		return nil, b, nil
	}

	s := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		var v string
		if v, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		s = append(s, v)
	}
	return s, b, nil
}

// AppendCounters appends the map of counters as msgp map.
func AppendCounters(b []byte, m map[string]uint64) []byte {
	b = msgp.AppendMapHeader(b, uint32(len(m)))
	for k, v := range m {
		b = msgp.AppendString(b, k)
		b = msgp.AppendUint64(b, v)
	}
	return b
}

// ReadCountersBytes reads a msgp map of string keys
// and uint64 counters.
func ReadCountersBytes(b []byte) (map[string]uint64, []byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}

	m := make(map[string]uint64, n)
	for i := uint32(0); i < n; i++ {
		var (
			k string
			v uint64
		)
		if k, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		if v, b, err = msgp.ReadUint64Bytes(b); err != nil {
			return nil, b, err
		}
		m[k] = v
	}
	return m, b, nil
}

// ReadBytes reads a msgp bin value and returns
// a copy that does not alias b.
func ReadBytes(b []byte) ([]byte, []byte, error) {
	v, b, err := msgp.ReadBytesZC(b)
	if err != nil {
		return nil, b, err
	}
	if v == nil {
		return nil, b, nil
	}
	c := make([]byte, len(v))
	copy(c, v)
	return c, b, nil
}

// AppendStringMap appends the map as msgp map of strings.
func AppendStringMap(b []byte, m map[string]string) []byte {
	b = msgp.AppendMapHeader(b, uint32(len(m)))
	for k, v := range m {
		b = msgp.AppendString(b, k)
		b = msgp.AppendString(b, v)
	}
	return b
}

// ReadStringMapBytes reads a msgp map of strings.
func ReadStringMapBytes(b []byte) (map[string]string, []byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, b, err
	}

	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		var k, v string
		if k, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		if v, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, b, err
		}
		m[k] = v
	}
	return m, b, nil
}
