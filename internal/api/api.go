// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package api implements the HTTP API building blocks of
// a directory server: API descriptors, routing, error
// responses and the request and response types.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API paths exposed by a directory server.
const (
	PathStatus   = "/v1/status"
	PathMetrics  = "/v1/metrics"
	PathListAPIs = "/v1/api"
	PathBackup   = "/v1/backup"
	PathLogError = "/v1/log/error"

	PathEntry  = "/v1/entry/"
	PathSearch = "/v1/search/"

	PathWatchStart = "/v1/watch"
	PathWatch      = "/v1/watch/"

	PathClusterStatus   = "/v1/cluster/status"
	PathClusterJoin     = "/v1/cluster/join"
	PathClusterLeave    = "/v1/cluster/leave"
	PathClusterTransfer = "/v1/cluster/transfer"

	PathClusterRPCPing         = "/v1/cluster/rpc/ping"
	PathClusterRPCVote         = "/v1/cluster/rpc/vote"
	PathClusterRPCInitiateVote = "/v1/cluster/rpc/initiate-vote"
	PathReplPage               = "/v1/repl/page"
)

// API describes a directory server API.
type API struct {
	Method  string        // The HTTP method
	Path    string        // The URI API path
	MaxBody int64         // The max. body size the API accepts
	Timeout time.Duration // The duration after which an API request times out. 0 means no timeout

	// Handler implements the API.
	//
	// When invoked by the API's ServeHTTP method, the handler
	// can rely upon:
	//  - the request method matching the API's HTTP method.
	//  - the API path being a prefix of the request URL.
	//  - the request body being limited to the API's MaxBody size.
	//  - the request timing out after the duration specified for the API.
	//
	// If the handler returns an error, ServeHTTP sends it
	// to the client.
	Handler HandlerFunc
}

// ServeHTTP takes an HTTP Request and ResponseWriter and executes the
// API's Handler.
func (a API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != a.Method {
		w.Header().Set("Accept", a.Method)
		Fail(w, NewError(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)))
		return
	}
	if !strings.HasPrefix(r.URL.Path, a.Path) {
		Fail(w, fmt.Errorf("api: path mismatch: received '%s' - expected '%s'", r.URL.Path, a.Path))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxBody)

	if a.Timeout > 0 {
		switch err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(a.Timeout)); {
		case errors.Is(err, http.ErrNotSupported):
			Fail(w, errors.New("internal error: HTTP connection does not accept a timeout"))
			return
		case err != nil:
			Fail(w, fmt.Errorf("internal error: %v", err))
			return
		}
	}
	a.Handler.ServeHTTP(w, r)
}

// Failf responds to the client with the given status code
// and formatted error message. Handlers should return after
// calling Failf.
func Failf(w http.ResponseWriter, code int, format string, a ...any) {
	Fail(w, NewError(code, fmt.Sprintf(format, a...)))
}

// CutPath returns the URL path without the API path and
// verifies it with f. The returned path is unescaped.
func CutPath(url *url.URL, path string, f func(string) error) (string, error) {
	s := strings.TrimPrefix(url.Path, path)
	if len(s) == len(url.Path) && path != "" {
		return "", fmt.Errorf("api: invalid path: '%s' is not a prefix of '%s'", path, url.Path)
	}
	if err := f(s); err != nil {
		return "", err
	}
	return s, nil
}

// IsValidDN reports whether s may be a distinguished name.
// It does not parse s. The empty DN, the root of the
// directory tree, is valid.
func IsValidDN(s string) error {
	const MaxLength = 1024 // Some arbitrary but reasonable limit

	if len(s) > MaxLength {
		return NewError(http.StatusBadRequest, "invalid argument: DN is too long")
	}
	for _, r := range s {
		if r < ' ' || r == 0x7f {
			return NewError(http.StatusBadRequest, "invalid argument: DN contains invalid character")
		}
	}
	return nil
}

// IsValidName reports whether s is a valid session or
// server ID.
//
// A valid name must only contain numbers (0-9),
// letters (a-z and A-Z) and '-' as well as '_'
// characters.
func IsValidName(s string) error {
	const MaxLength = 80 // Some arbitrary but reasonable limit

	if s == "" {
		return NewError(http.StatusBadRequest, "invalid argument: name is empty")
	}
	if len(s) > MaxLength {
		return NewError(http.StatusBadRequest, "invalid argument: name is too long")
	}
	for _, r := range s { // Valid characters are: [ 0-9 , A-Z , a-z , - , _ ]
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r == '-':
		case r == '_':
		default:
			return NewError(http.StatusBadRequest, "invalid argument: name contains invalid character")
		}
	}
	return nil
}
