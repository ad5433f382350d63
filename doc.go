// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// The lwdir package provides a replicated directory server
// implementation.
//
// ## Servers
//
// A directory server is a stateful HTTP server that keeps
// its directory entries in a local key-value database. Each
// entry is identified by its distinguished name (DN), carries
// a set of multi-valued attributes and has to conform to the
// directory schema. Every change to an entry is assigned a
// monotonically increasing update sequence number (USN).
//
// ## Clusters
//
// A cluster consists of an arbitrary number of servers. A
// single server represents the smallest cluster with just a
// single node. A cluster expands or shrinks dynamically when
// servers join or leave the cluster.
//
// All server nodes within a cluster participate in the Raft
// consensus algorithm: https://raft.github.io/raft.pdf
//
// At any point in time, there is at most one leader within a
// cluster. The leader accepts all write requests, appends them
// to its replicated log and applies them once a majority of the
// cluster has stored them. Followers redirect write requests to
// the leader. If the leader fails, the remaining followers elect
// a new one.
//
// ## Legacy replication
//
// Besides Raft, a server can pull changes from legacy replication
// partners. Changes are exchanged in pages ordered by the partner's
// USN. A per-partner up-to-date vector (UTD) records the highest
// USN already processed such that a change is never applied twice.
// Pages pulled by the leader are themselves committed through the
// Raft log.
//
// ## Watches
//
// Clients can watch a subtree of the directory for changes. Each
// committed change is assigned a watch revision. A watch session
// receives all events at or after its start revision as long as
// they have not been compacted.
package lwdir
