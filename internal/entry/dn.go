// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package entry

import (
	"errors"
	"strings"
)

// ErrInvalidDN is returned when a distinguished
// name cannot be parsed.
var ErrInvalidDN = errors.New("entry: invalid DN")

// Normalize returns the normalized form of the DN.
//
// Attribute types and values are converted to lower
// case and spaces around the RDN separators are
// removed. The empty DN is valid and refers to the
// root of the directory tree.
func Normalize(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	rdns := split(dn)
	for i, rdn := range rdns {
		typ, value, ok := strings.Cut(rdn, "=")
		if !ok {
			return "", ErrInvalidDN
		}
		typ = strings.ToLower(strings.TrimSpace(typ))
		value = strings.ToLower(strings.TrimSpace(value))
		if typ == "" || value == "" {
			return "", ErrInvalidDN
		}
		rdns[i] = typ + "=" + value
	}
	return strings.Join(rdns, ","), nil
}

// Parent returns the parent of the normalized DN,
// or the empty DN if dn has only one RDN.
func Parent(dn string) string {
	rdns := split(dn)
	if len(rdns) <= 1 {
		return ""
	}
	return strings.Join(rdns[1:], ",")
}

// IsDescendant reports whether the normalized DN is
// equal to base or located below it in the tree.
// Every DN is a descendant of the empty DN.
func IsDescendant(dn, base string) bool {
	if base == "" || dn == base {
		return true
	}
	return strings.HasSuffix(dn, ","+base) && !strings.HasSuffix(dn, "\\,"+base)
}

// Key returns the store key of the normalized DN.
//
// The key lists the RDNs in reverse order, such that
// all entries of a subtree share the key of the
// subtree root, followed by a ',', as key prefix.
func Key(dn string) string {
	if dn == "" {
		return ""
	}
	rdns := split(dn)
	for i, j := 0, len(rdns)-1; i < j; i, j = i+1, j-1 {
		rdns[i], rdns[j] = rdns[j], rdns[i]
	}
	return strings.Join(rdns, ",")
}

// FromKey returns the normalized DN of the store key.
// It is the inverse of Key.
func FromKey(key string) string { return Key(key) }

// split splits the DN into its RDNs. Commas escaped
// by a backslash do not separate RDNs.
func split(dn string) []string {
	var (
		rdns  []string
		start int
	)
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',':
			rdns = append(rdns, dn[start:i])
			start = i + 1
		}
	}
	return append(rdns, dn[start:])
}
