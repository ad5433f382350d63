// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package entry

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecode(t *testing.T) {
	e := newTestEntry()
	e.ID = 7
	e.USN = 42
	e.GUID = uuid.New()
	e.Origin = Origin{ServerID: "srv-1", USN: 40}
	e.Version = 3
	e.Tombstone = true

	d, err := Decode(Encode(e))
	if err != nil {
		t.Fatalf("Failed to decode entry: %v", err)
	}
	if !reflect.DeepEqual(e, d) {
		t.Fatalf("Decoded entry does not match: got %+v - want %+v", d, e)
	}
}

func TestDecodeInvalid(t *testing.T) {
	b := Encode(newTestEntry())
	for i, data := range [][]byte{nil, b[:len(b)-1], append(b, 0x00), {0x91, 0x01}} {
		if _, err := Decode(data); err == nil {
			t.Fatalf("Test %d: decoding should have failed", i)
		}
	}
}
