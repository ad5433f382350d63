// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import "time"

// State is a directory server status snapshot.
type State struct {
	ID   string // The ID of the server within its cluster
	Addr string // The address the server has been initialized with

	OS     string        // The OS running the server
	Arch   string        // The CPU architecture of the server
	UpTime time.Duration // The time the server has been up and running

	CPUs       int    // Number of logical CPU cores available on the system
	UsableCPUs int    // Number of logical CPU cores usable by the server
	HeapAlloc  uint64 // Number of bytes currently allocated on the heap
	StackAlloc uint64 // Number of bytes currently used on the stack

	Role             string // The cluster role of the server: leader, follower or candidate
	Leader           string // The ID of the cluster leader, if known
	Entries          int    // Number of live directory entries
	HighestUSN       uint64 // Highest local update sequence number
	SchemaGeneration uint64 // Generation of the active schema
	Revision         uint64 // Revision of the most recent watch event
	Sessions         int    // Number of active watch sessions
}

// ClusterState is a snapshot of the consensus and
// replication state of a directory server.
type ClusterState struct {
	ID     string
	Role   string
	Term   uint64
	Leader string

	// Ready is true if the server is the leader and
	// accepts write requests.
	Ready bool

	CommitIndex  uint64
	AppliedIndex uint64
	FirstIndex   uint64
	LastIndex    uint64
	Elections    uint64

	// Members maps the IDs of all cluster members
	// to their addresses.
	Members map[string]string

	// Peers is the replication progress of all other
	// members. It is only reported by the leader.
	Peers []Peer

	// Agreements are the legacy replication agreements
	// of the server.
	Agreements []Agreement

	// UTD is the up-to-date vector of the server in
	// its "id:usn,id:usn" string form.
	UTD string
}

// Peer is the log replication progress of a cluster member.
type Peer struct {
	ID          string
	Addr        string
	NextIndex   uint64
	MatchIndex  uint64
	MissedPings int
	Partitioned bool
	LastContact time.Time
}

// Agreement is the state of a legacy replication
// agreement with a partner.
type Agreement struct {
	Partner       string
	LastUSN       uint64 // Highest partner USN processed
	Applied       uint64 // Number of partner changes applied
	OutOfSequence uint64 // Number of partner changes received out of order
	LastCycle     time.Time
	LastError     string
	Pages         uint64
}

// API describes a directory server API.
type API struct {
	Method  string        // The HTTP method
	Path    string        // The API path without its arguments. For example: "/v1/status"
	MaxBody int64         // The max. size of request bodies accepted
	Timeout time.Duration // Amount of time after which request will time out
}
