// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package headers defines the HTTP headers and content
// types used by directory servers and clients.
package headers

import (
	"net/http"
	"slices"
	"strings"
)

// Standard HTTP headers.
const (
	Accept        = "Accept"         // RFC 2616
	ContentType   = "Content-Type"   // RFC 2616
	ContentLength = "Content-Length" // RFC 2616
)

// Non-standard HTTP headers.
const (
	XContentTypeOptions = "X-Content-Type-Options"

	// XLeader is sent by servers that refer a client to
	// the cluster leader. It contains the leader's ID.
	XLeader = "X-Lwdir-Leader"
)

// Content types of API request and response bodies.
const (
	ContentTypeBinary    = "application/octet-stream" // database backups
	ContentTypeJSON      = "application/json"         // client APIs
	ContentTypeJSONLines = "application/x-ndjson"     // error log streams
	ContentTypeMsgPack   = "application/msgpack"      // cluster and replication RPCs
)

// Accepts reports whether one of the "Accept" headers of
// h matches the content type s. An accepted media range,
// like "application/*" or "*/*", matches all types within
// the range. Media type parameters are ignored.
func Accepts(h http.Header, s string) bool {
	return slices.ContainsFunc(h.Values(Accept), func(v string) bool {
		for _, mediaRange := range strings.Split(v, ",") {
			mediaRange, _, _ = strings.Cut(mediaRange, ";")
			mediaRange = strings.TrimSpace(mediaRange)

			switch {
			case mediaRange == "*/*" || mediaRange == s:
				return true
			case strings.HasSuffix(mediaRange, "/*"):
				if strings.HasPrefix(s, mediaRange[:len(mediaRange)-1]) {
					return true
				}
			}
		}
		return false
	})
}
