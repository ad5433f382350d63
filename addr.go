// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ParseAddr parses s as an Addr of the form "host:port",
// "http://host:port", "[host]:port" or "http://[host]:port".
//
// A literal IPv6 address must be enclosed in square brackets,
// as in "[::1]:7373".
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimPrefix(s, "http://")

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("lwdir: invalid addr: %v", err)
	}
	if host == "" {
		return Addr{}, errors.New("lwdir: invalid addr: host is empty")
	}
	if port == "" {
		return Addr{}, errors.New("lwdir: invalid addr: port is empty")
	}
	return Addr{
		host: host,
		port: port,
	}, nil
}

// Addr represents a server address of the form "host:port".
type Addr struct {
	host, port string
}

// Network returns the Addr network, like TCP.
func (Addr) Network() string { return "tcp" }

// String returns the Addr's string representation.
func (a Addr) String() string { return net.JoinHostPort(a.host, a.port) }

// Host returns the Addr's hostname.
func (a Addr) Host() string { return a.host }

// IsZero reports whether a is the zero Addr.
func (a Addr) IsZero() bool { return a.host == "" && a.port == "" }

// URL returns a URL with the provided path elements joined to the address.
func (a Addr) URL(elem ...string) *url.URL {
	u := &url.URL{Scheme: "http", Host: a.String()}
	if len(elem) == 0 {
		return u
	}
	return u.JoinPath(elem...)
}

// Equal reports whether a is equal to addr. Two
// loopback addresses with the same port are equal.
func (a Addr) Equal(addr Addr) bool {
	if a.port == addr.port {
		if a.host == addr.host {
			return true
		}
		return a.isLoopback() && addr.isLoopback()
	}
	return false
}

func (a Addr) isLoopback() bool {
	if a.host == "localhost" {
		return true
	}

	ip := net.ParseIP(a.host)
	return ip != nil && ip.IsLoopback()
}
