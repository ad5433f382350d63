// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package repl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/minio/lwdir/internal/entry"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// UTDVector is an up-to-date vector. It maps the ID of
// an originating server to the highest USN of that
// server whose changes have been applied.
type UTDVector map[string]uint64

// Covers reports whether the change with the given
// origin is already reflected by the vector.
func (v UTDVector) Covers(origin entry.Origin) bool {
	usn, ok := v[origin.ServerID]
	return ok && origin.USN <= usn
}

// Update raises the USN of the server to usn if it
// is greater than the current one.
func (v UTDVector) Update(serverID string, usn uint64) {
	if usn > v[serverID] {
		v[serverID] = usn
	}
}

// Merge raises all USNs of v to the USNs of o.
func (v UTDVector) Merge(o UTDVector) {
	for id, usn := range o {
		v.Update(id, usn)
	}
}

// Clone returns a copy of v.
func (v UTDVector) Clone() UTDVector {
	c := make(UTDVector, len(v))
	for id, usn := range v {
		c[id] = usn
	}
	return c
}

// String returns the vector as comma-separated list
// of 'serverID:USN' pairs sorted by server ID.
func (v UTDVector) String() string {
	ids := maps.Keys(v)
	slices.Sort(ids)

	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(id)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(v[id], 10))
	}
	return sb.String()
}

// ParseUTDVector parses the string representation
// of a vector.
func ParseUTDVector(s string) (UTDVector, error) {
	v := UTDVector{}
	if s == "" {
		return v, nil
	}
	for _, pair := range strings.Split(s, ",") {
		i := strings.LastIndexByte(pair, ':')
		if i <= 0 {
			return nil, errors.New("repl: invalid UTD vector entry '" + pair + "'")
		}
		usn, err := strconv.ParseUint(pair[i+1:], 10, 64)
		if err != nil {
			return nil, errors.New("repl: invalid UTD vector USN '" + pair[i+1:] + "'")
		}
		v.Update(pair[:i], usn)
	}
	return v, nil
}
