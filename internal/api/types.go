// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import "time"

// ErrorResponse is sent to clients when a request fails.
// Result is the directory result code, if any.
type ErrorResponse struct {
	Message string `json:"message"`
	Result  int    `json:"result,omitempty"`
}

// Attribute is a directory attribute with its values.
type Attribute struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Origin identifies the server and USN that originated
// the last change of an entry.
type Origin struct {
	ServerID string `json:"server_id"`
	USN      uint64 `json:"usn"`
}

// EntryResponse is the response sent to clients by the
// GetEntry API. It is also part of Search and Watch API
// responses.
type EntryResponse struct {
	DN         string      `json:"dn"`
	Attributes []Attribute `json:"attributes"`
	GUID       string      `json:"guid"`
	USN        uint64      `json:"usn"`
	Version    uint64      `json:"version"`
	Origin     Origin      `json:"origin"`
}

// AddEntryRequest is the request sent by clients when
// calling the AddEntry API.
type AddEntryRequest struct {
	Attributes []Attribute `json:"attributes"`
}

// Modification is a single change of an attribute.
// Op is one of "add", "replace" or "delete".
type Modification struct {
	Op     string   `json:"op"`
	Name   string   `json:"name"`
	Values []string `json:"values,omitempty"`
}

// ModifyEntryRequest is the request sent by clients when
// calling the ModifyEntry API.
type ModifyEntryRequest struct {
	Modifications []Modification `json:"modifications"`
}

// SearchResponse is the response sent to clients by the
// Search API.
type SearchResponse struct {
	Entries []EntryResponse `json:"entries"`
}

// StartWatchRequest is the request sent by clients when
// calling the StartWatch API.
type StartWatchRequest struct {
	Base          string   `json:"base"`
	Ops           []string `json:"ops,omitempty"`
	ObjectClass   string   `json:"object_class,omitempty"`
	StartRevision uint64   `json:"start_revision,omitempty"`
}

// StartWatchResponse is the response sent to clients by
// the StartWatch API.
type StartWatchResponse struct {
	ID string `json:"id"`
}

// WatchEvent is a committed entry change delivered to a
// watch session.
type WatchEvent struct {
	Revision   uint64         `json:"revision"`
	Op         string         `json:"op"`
	DN         string         `json:"dn"`
	Before     *EntryResponse `json:"before,omitempty"`
	After      *EntryResponse `json:"after,omitempty"`
	Successful bool           `json:"successful"`
}

// PollWatchResponse is the response sent to clients by
// the PollWatch API.
type PollWatchResponse struct {
	Events          []WatchEvent `json:"events"`
	Revision        uint64       `json:"revision"`
	CompactRevision uint64       `json:"compact_revision"`
}

// PeerResponse describes the replication progress of a
// cluster member as seen by the leader.
type PeerResponse struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr"`
	NextIndex   uint64    `json:"next_index"`
	MatchIndex  uint64    `json:"match_index"`
	MissedPings int       `json:"missed_pings"`
	Partitioned bool      `json:"partitioned"`
	LastContact time.Time `json:"last_contact,omitempty"`
}

// AgreementResponse describes a replication agreement.
type AgreementResponse struct {
	Partner       string    `json:"partner"`
	LastUSN       uint64    `json:"last_usn"`
	Applied       uint64    `json:"applied"`
	OutOfSequence uint64    `json:"out_of_sequence"`
	LastCycle     time.Time `json:"last_cycle,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Pages         uint64    `json:"pages"`
}

// ClusterStatusResponse is the response sent to clients by
// the ClusterStatus API.
type ClusterStatusResponse struct {
	ID           string              `json:"id"`
	Role         string              `json:"role"`
	Term         uint64              `json:"term"`
	Leader       string              `json:"leader,omitempty"`
	Ready        bool                `json:"ready"`
	CommitIndex  uint64              `json:"commit_index"`
	AppliedIndex uint64              `json:"applied_index"`
	FirstIndex   uint64              `json:"first_index"`
	LastIndex    uint64              `json:"last_index"`
	Elections    uint64              `json:"elections"`
	Members      map[string]string   `json:"members"`
	Peers        []PeerResponse      `json:"peers,omitempty"`
	Agreements   []AgreementResponse `json:"agreements,omitempty"`
	UTD          string              `json:"utd"`
}

// JoinClusterRequest is the request sent by clients when
// calling the JoinCluster API.
type JoinClusterRequest struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// LeaveClusterRequest is the request sent by clients when
// calling the LeaveCluster API.
type LeaveClusterRequest struct {
	ID string `json:"id"`
}

// TransferLeadershipRequest is the request sent by clients
// when calling the TransferLeadership API. If ID is empty,
// the leader picks the most up-to-date follower.
type TransferLeadershipRequest struct {
	ID string `json:"id,omitempty"`
}

// TransferLeadershipResponse is the response sent to clients
// by the TransferLeadership API.
type TransferLeadershipResponse struct {
	ID string `json:"id"`
}

// StatusResponse is the response sent to clients by the Status API.
type StatusResponse struct {
	ID         string `json:"id"`
	Addr       string `json:"addr"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	UpTime     uint64 `json:"uptime"` // in seconds
	CPUs       int    `json:"num_cpu"`
	UsableCPUs int    `json:"num_cpu_used"`
	HeapAlloc  uint64 `json:"mem_heap_used"`
	StackAlloc uint64 `json:"mem_stack_used"`

	Role             string `json:"role"`
	Leader           string `json:"leader,omitempty"`
	Entries          int    `json:"entries"`
	HighestUSN       uint64 `json:"highest_usn"`
	SchemaGeneration uint64 `json:"schema_generation"`
	Revision         uint64 `json:"revision"`
	Sessions         int    `json:"sessions"`
}

// DescribeRouteResponse describes a single API route. It is part of
// a List API response.
type DescribeRouteResponse struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	MaxBody int64  `json:"max_body"`
	Timeout int64  `json:"timeout"` // in seconds
}

// ListAPIsResponse is the response sent to clients by the List APIs API.
type ListAPIsResponse []DescribeRouteResponse

// ErrorLogEvent is sent to clients (as stream of events) when they subscribe to the ErrorLog API.
type ErrorLogEvent struct {
	Message string `json:"message"`
}
