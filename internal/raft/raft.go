// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package raft implements the consensus engine of a
// directory cluster.
//
// A cluster elects one leader per term. The leader
// accepts proposals, appends them to its log and
// replicates them to all followers with periodic pings.
// Once an entry is stored on a majority of members, it
// is committed and applied, in log order, on every node.
//
// All cluster state of a Node is protected by a single
// read-write lock. Membership changes are explicit
// administrative operations. Followers that stop
// answering are reported as partitioned but never
// removed automatically.
package raft

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Role is the role of a node within its cluster.
type Role uint8

// All node roles.
const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

var (
	// ErrNotLeader is returned when a node that is not the
	// leader receives a request only the leader can serve.
	// Such errors are of type *NotLeaderError.
	ErrNotLeader = errors.New("raft: node is not the leader")

	// ErrNotReady is returned by a newly elected leader
	// until the first entry of its term has been committed.
	ErrNotReady = errors.New("raft: leader is not ready to accept updates")

	// ErrLeadershipLost is returned to proposals that were
	// pending when the leader stepped down. Such a proposal
	// may or may not be committed by the new leader.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrCompacted is returned by a Storage when accessing
	// log entries that have been compacted.
	ErrCompacted = errors.New("raft: log entry has been compacted")

	// ErrUnknownPeer is returned when a peer is not a
	// member of the cluster.
	ErrUnknownPeer = errors.New("raft: unknown peer")

	// ErrPeerBehind is returned when leadership should be
	// transferred to a peer whose log is not up to date.
	ErrPeerBehind = errors.New("raft: peer log is not up to date")

	// ErrClosed is returned by operations on a closed Node.
	ErrClosed = errors.New("raft: node closed")
)

// NotLeaderError is returned by nodes that are not
// the leader. Leader is the ID of the current leader,
// if known, that the client should be referred to.
type NotLeaderError struct {
	Leader string
}

// Error returns the error message.
func (e *NotLeaderError) Error() string {
	if e.Leader == "" {
		return ErrNotLeader.Error() + ": no leader elected"
	}
	return ErrNotLeader.Error() + ": leader is '" + e.Leader + "'"
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// LogEntry is an entry of the replicated log.
type LogEntry struct {
	Index uint64
	Term  uint64
	Data  []byte
}

// Storage is the persistent state of a node: its log
// and its current term and vote.
//
// Log indices start at 1. The log may be compacted, in
// which case Term still reports the term of the last
// compacted entry.
type Storage interface {
	// State returns the persisted term and vote.
	State() (term uint64, votedFor string, err error)

	// SetState persists the term and vote.
	SetState(term uint64, votedFor string) error

	// FirstIndex returns the index of the first log entry
	// that has not been compacted.
	FirstIndex() (uint64, error)

	// LastIndex returns the index of the last log entry,
	// or the index of the last compacted entry if the log
	// is empty.
	LastIndex() (uint64, error)

	// Term returns the term of the entry at the given index.
	// The term of index 0 is 0.
	Term(index uint64) (uint64, error)

	// Entries returns the entries in [lo, hi).
	Entries(lo, hi uint64) ([]LogEntry, error)

	// Append appends the entries to the log. Their indices
	// must directly follow the last index.
	Append(entries ...LogEntry) error

	// Truncate removes all entries following index.
	Truncate(index uint64) error

	// Compact removes all entries up to and including
	// index.
	Compact(index uint64) error
}

// Transport sends consensus messages to peers.
type Transport interface {
	// Ping sends a ping, the leader heartbeat carrying
	// log entries, to the peer.
	Ping(ctx context.Context, peer string, ping *Ping) (*PingReply, error)

	// Vote requests a vote from the peer.
	Vote(ctx context.Context, peer string, vote *Vote) (*VoteReply, error)

	// InitiateVote asks the peer to start an election.
	InitiateVote(ctx context.Context, peer string) error
}

// Applier applies committed log entries to the state
// machine.
type Applier interface {
	// Apply applies the committed entry. Entries are
	// applied in log order, each exactly once per node.
	// The returned error is the result of the entry and
	// is handed to the proposer, if any. It does not stop
	// the node.
	Apply(entry LogEntry) error
}

// Config is a structure for configuring a Node.
type Config struct {
	// ID is the ID of the node. It must be unique
	// within the cluster.
	ID string

	// Members are the IDs of all cluster members,
	// including the node itself. A node that is not
	// a member never starts an election. It still
	// follows a leader until it has been added.
	Members []string

	// Applied is the index of the last entry that has
	// been applied to the state machine before the node
	// was started.
	Applied uint64

	// PingInterval is the interval at which the leader
	// sends pings to its followers.
	// If <= 0, defaults to 500ms.
	PingInterval time.Duration

	// ElectionTimeout is the time after which a follower
	// that has not received a ping starts an election.
	// If <= 0, defaults to 1.5s.
	ElectionTimeout time.Duration

	// MaxPingEntries is the max. number of log entries
	// sent with a single ping. If <= 0, defaults to 64.
	MaxPingEntries int

	// MissedPings is the number of consecutive pings a
	// follower must miss to be reported as partitioned.
	// If <= 0, defaults to 3.
	MissedPings int

	// LogRetention is the number of applied entries kept
	// in the log when compacting it. If 0, defaults to 1024.
	LogRetention uint64

	// Noop is the data of the entry a leader appends when
	// it has been elected.
	Noop []byte

	Storage   Storage
	Transport Transport
	Applier   Applier

	// Logger is used to log role changes and peer failures.
	// If nil, slog.Default is used.
	Logger *slog.Logger
}
