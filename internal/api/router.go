// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Router is an HTTP handler that implements the
// directory server API.
//
// It routes incoming HTTP requests and invokes the
// corresponding API handlers. Multiple APIs may share
// a path as long as their methods differ.
type Router struct {
	handler *http.ServeMux
	api     []API
}

// NewRouter returns a new Router that serves the
// given APIs.
func NewRouter(apis ...API) *Router {
	r := &Router{
		handler: http.NewServeMux(),
		api:     apis,
	}

	paths := map[string]methods{}
	for _, a := range apis {
		if paths[a.Path] == nil {
			paths[a.Path] = methods{}
		}
		paths[a.Path][a.Method] = a
	}
	for path, m := range paths {
		r.handler.Handle(path, m)
	}
	r.handler.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NewResponseController(w).SetWriteDeadline(time.Now().Add(10 * time.Second))
		Fail(w, NewError(http.StatusNotImplemented, "not implemented"))
	}))
	return r
}

// ServeHTTP dispatches the request to the API handler whose
// pattern most matches the request URL.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, "/") { // Ensure URL paths start with a '/'
		req.URL.Path = "/" + req.URL.Path
	}
	r.handler.ServeHTTP(w, req)
}

// API returns a list of APIs provided by the Router.
func (r *Router) API() []API { return r.api }

// methods dispatches requests for one path by their
// HTTP method.
type methods map[string]API

func (m methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a, ok := m[r.Method]; ok {
		a.ServeHTTP(w, r)
		return
	}

	allow := make([]string, 0, len(m))
	for method := range m {
		allow = append(allow, method)
	}
	sort.Strings(allow)
	w.Header().Set("Allow", strings.Join(allow, ", "))
	Fail(w, NewError(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)))
}

// A HandlerFunc is an adapter that allows the use of
// ordinary functions as HTTP handlers.
//
// In contrast to the http.HandlerFunc type, HandlerFunc
// returns an error. Hence, a function f, with the appropriate
// signature, can simply return an error in case of failed
// operation. If f returns a non-nil error, HandlerFunc(f)
// sends an error response to the client.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

// ServeHTTP calls f(w, r). If f returns a non-nil error
// ServeHTTP sends an error response to the client.
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := f(w, r); err != nil {
		Fail(w, err)
	}
}
