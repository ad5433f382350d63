// Copyright 2024 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

import (
	"os"
	"strings"
)

// Environment variable used by the lwdir CLI.
const (
	// EnvServer is the comma-separated list of server endpoints
	// the client uses. If not set, clients will use
	// 'http://127.0.0.1:7373'.
	EnvServer = "LWDIR_SERVER"
)

// DefaultServer is the endpoint used when neither a
// server flag nor EnvServer is set.
const DefaultServer = "http://127.0.0.1:7373"

// Env retrieves the value of the environment variable
// named by the key. It returns the empty string if the
// variable is not present.
func Env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

// Endpoints splits the comma-separated list of server
// endpoints s. Endpoints without scheme are prefixed with
// 'http://'. If s contains no endpoint, Endpoints returns
// DefaultServer.
func Endpoints(s string) []string {
	var endpoints []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
			e = "http://" + e
		}
		endpoints = append(endpoints, strings.TrimSuffix(e, "/"))
	}
	if len(endpoints) == 0 {
		return []string{DefaultServer}
	}
	return endpoints
}
