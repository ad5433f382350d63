// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"testing"
)

var endpointTests = []struct {
	Endpoint string
	Elements []string
	URL      string
}{
	{Endpoint: "http://127.0.0.1:7373", Elements: nil, URL: "http://127.0.0.1:7373"},
	{Endpoint: "http://127.0.0.1:7373/", Elements: nil, URL: "http://127.0.0.1:7373"},
	{Endpoint: " http://127.0.0.1:7373/ ", Elements: nil, URL: "http://127.0.0.1:7373"},

	{
		Endpoint: "http://dir.example.com:7373",
		Elements: []string{"/v1/status"},
		URL:      "http://dir.example.com:7373/v1/status",
	},
	{
		Endpoint: "http://dir.example.com:7373",
		Elements: []string{"v1/status"},
		URL:      "http://dir.example.com:7373/v1/status",
	},
	{
		Endpoint: "http://127.0.0.1:7373",
		Elements: []string{"/v1/entry/cn=admin,dc=example"},
		URL:      "http://127.0.0.1:7373/v1/entry/cn=admin,dc=example",
	},
	{
		Endpoint: "http://127.0.0.1:7373",
		Elements: []string{"/v1", "/entry", "cn=admin,dc=example"},
		URL:      "http://127.0.0.1:7373/v1/entry/cn=admin,dc=example",
	},
}

func TestEndpoint(t *testing.T) {
	for i, test := range endpointTests {
		if url := endpoint(test.Endpoint, test.Elements...); url != test.URL {
			t.Fatalf("Test %d: endpoint url mismatch: got '%s' - want '%s'", i, url, test.URL)
		}
	}
}

var joinTests = []struct {
	API  string
	Arg  string
	Path string
}{
	{API: "/v1/entry/", Arg: "dc=example", Path: "/v1/entry/dc=example"},                             // 0
	{API: "/v1/entry/", Arg: "cn=John Doe,dc=example", Path: "/v1/entry/cn=John%20Doe%2Cdc=example"}, // 1
	{API: "/v1/entry/", Arg: "cn=a/b,dc=example", Path: "/v1/entry/cn=a%2Fb%2Cdc=example"},           // 2
	{API: "/v1/watch/", Arg: "2c1e6b4e-2a64-4fd4-9c6a-6f9d1e1b6b1a", Path: "/v1/watch/2c1e6b4e-2a64-4fd4-9c6a-6f9d1e1b6b1a"}, // 3
}

func TestJoin(t *testing.T) {
	for i, test := range joinTests {
		if p := join(test.API, test.Arg); p != test.Path {
			t.Fatalf("Test %d: path mismatch: got '%s' - want '%s'", i, p, test.Path)
		}
	}
}
