// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestIsValidName(t *testing.T) {
	for i, test := range isValidNameTests {
		err := IsValidName(test.Name)
		if err == nil && test.ShouldFail {
			t.Fatalf("Test %d should have failed", i)
		}
		if err != nil && !test.ShouldFail {
			t.Fatalf("Test %d: name '%s' is valid but got rejected: %v", i, test.Name, err)
		}
	}
}

var isValidNameTests = []struct {
	Name       string
	ShouldFail bool
}{
	{Name: "srv-1"},                                 // 0
	{Name: "7c8a1e2d-5b9f-4f4b-a1f1-0e4f2d9b3c11"},  // 1
	{Name: "node_A"},                                // 2
	{Name: "", ShouldFail: true},                    // 3
	{Name: "srv 1", ShouldFail: true},               // 4
	{Name: "srv/1", ShouldFail: true},               // 5
	{Name: strings.Repeat("a", 81), ShouldFail: true}, // 6
}

func TestCutPath(t *testing.T) {
	for i, test := range cutPathTests {
		u, err := url.Parse(test.URL)
		if err != nil {
			t.Fatalf("Test %d: failed to parse URL '%s': %v", i, test.URL, err)
		}

		dn, err := CutPath(u, test.Path, IsValidDN)
		if err == nil && test.ShouldFail {
			t.Fatalf("Test %d should have failed", i)
		}
		if err != nil && !test.ShouldFail {
			t.Fatalf("Test %d: failed to get DN from request: %v", i, err)
		}
		if err == nil && dn != test.DN {
			t.Fatalf("Test %d: got '%s' - want '%s'", i, dn, test.DN)
		}
	}
}

var cutPathTests = []struct {
	URL        string
	Path       string
	DN         string
	ShouldFail bool
}{
	{URL: "https://127.0.0.1:7373/v1/entry/cn=a,dc=example", Path: PathEntry, DN: "cn=a,dc=example"},                  // 0
	{URL: "https://127.0.0.1:7373/v1/entry/cn=John%20Doe,dc=example", Path: PathEntry, DN: "cn=John Doe,dc=example"}, // 1
	{URL: "https://127.0.0.1:7373/v1/search/", Path: PathSearch, DN: ""},                                             // 2
	{URL: "https://127.0.0.1:7373/v1/search/dc=example", Path: PathSearch, DN: "dc=example"},                        // 3
	{URL: "https://127.0.0.1:7373/v1/entry/cn=a%0A,dc=example", Path: PathEntry, ShouldFail: true},                  // 4
	{URL: "https://127.0.0.1:7373/v1/status", Path: PathEntry, ShouldFail: true},                                    // 5
	{URL: "https://127.0.0.1:7373/v1/entry/" + strings.Repeat("a", 1025), Path: PathEntry, ShouldFail: true},        // 6
}

func TestRouter(t *testing.T) {
	handler := func(body string) HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte(body))
			return err
		}
	}
	router := NewRouter(
		API{Method: http.MethodGet, Path: PathEntry, Handler: handler("get")},
		API{Method: http.MethodDelete, Path: PathEntry, Handler: handler("delete")},
		API{Method: http.MethodPut, Path: PathClusterJoin, Handler: func(http.ResponseWriter, *http.Request) error {
			return NewError(http.StatusConflict, "member already exists")
		}},
	)

	for i, test := range routerTests {
		req := httptest.NewRequest(test.Method, test.Path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != test.Status {
			t.Fatalf("Test %d: got status %d - want %d", i, resp.Code, test.Status)
		}
		if test.Status != http.StatusOK {
			var response ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
				t.Fatalf("Test %d: failed to decode error response: %v", i, err)
			}
			if response.Message == "" {
				t.Fatalf("Test %d: error response has no message", i)
			}
			continue
		}
		if body := resp.Body.String(); body != test.Body {
			t.Fatalf("Test %d: got body '%s' - want '%s'", i, body, test.Body)
		}
	}
}

var routerTests = []struct {
	Method string
	Path   string
	Status int
	Body   string
}{
	{Method: http.MethodGet, Path: "/v1/entry/cn=a", Status: http.StatusOK, Body: "get"},       // 0
	{Method: http.MethodDelete, Path: "/v1/entry/cn=a", Status: http.StatusOK, Body: "delete"}, // 1
	{Method: http.MethodPatch, Path: "/v1/entry/cn=a", Status: http.StatusMethodNotAllowed},    // 2
	{Method: http.MethodPut, Path: PathClusterJoin, Status: http.StatusConflict},               // 3
	{Method: http.MethodGet, Path: "/v1/unknown", Status: http.StatusNotImplemented},           // 4
}

type resultError struct{ msg string }

func (e resultError) Error() string { return e.msg }
func (resultError) Status() int     { return http.StatusNotFound }
func (resultError) Result() int     { return 32 }

func TestFail(t *testing.T) {
	resp := httptest.NewRecorder()
	Fail(resp, resultError{msg: "no such object"})

	if resp.Code != http.StatusNotFound {
		t.Fatalf("got status %d - want %d", resp.Code, http.StatusNotFound)
	}
	var response ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if response.Message != "no such object" || response.Result != 32 {
		t.Fatalf("got '%s' (%d) - want '%s' (%d)", response.Message, response.Result, "no such object", 32)
	}
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewLogWriter(&buf)
	if _, err := w.Write([]byte("store: backend failed\n")); err != nil {
		t.Fatalf("failed to write log event: %v", err)
	}

	var event ErrorLogEvent
	if err := json.NewDecoder(&buf).Decode(&event); err != nil {
		t.Fatalf("failed to decode log event: %v", err)
	}
	if event.Message != "store: backend failed" {
		t.Fatalf("got '%s' - want '%s'", event.Message, "store: backend failed")
	}
}
