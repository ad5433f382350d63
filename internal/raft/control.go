// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/tinylib/msgp/msgp"
)

// Ping is the control a leader sends to its followers.
// It acts as heartbeat and carries the log entries
// following PrevLogIndex.
type Ping struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Entries      []LogEntry
}

// PingReply is a follower's answer to a Ping.
//
// If Success is true, MatchIndex is the index of the
// last entry the follower shares with the leader.
// Otherwise, MatchIndex is a hint: the highest index
// at which the logs may match.
type PingReply struct {
	Term       uint64
	Leader     string
	Success    bool
	MatchIndex uint64
}

// Vote is the control a candidate sends to request
// a vote for its term.
type Vote struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteReply is the answer to a Vote.
type VoteReply struct {
	Term    uint64
	Granted bool
}

// MarshalMsg appends the MessagePack encoding of the
// ping to b.
func (p *Ping) MarshalMsg(b []byte) ([]byte, error) {
	const Items = 6

	b = msgp.AppendArrayHeader(b, Items)
	b = msgp.AppendUint64(b, p.Term)
	b = msgp.AppendString(b, p.LeaderID)
	b = msgp.AppendUint64(b, p.PrevLogIndex)
	b = msgp.AppendUint64(b, p.PrevLogTerm)
	b = msgp.AppendUint64(b, p.LeaderCommit)
	b = msgp.AppendArrayHeader(b, uint32(len(p.Entries)))
	for i := range p.Entries {
		b = appendLogEntry(b, &p.Entries[i])
	}
	return b, nil
}

// UnmarshalMsg decodes the ping from b and returns
// the remaining bytes.
func (p *Ping) UnmarshalMsg(b []byte) ([]byte, error) {
	const Items = 6

	b, err := xmsgp.ReadArrayHeader(b, Items)
	if err != nil {
		return b, err
	}

	var v Ping
	if v.Term, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.LeaderID, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if v.PrevLogIndex, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.PrevLogTerm, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.LeaderCommit, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}

	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if n > 0 {
		v.Entries = make([]LogEntry, n)
	}
	for i := range v.Entries {
		if b, err = readLogEntry(b, &v.Entries[i]); err != nil {
			return b, err
		}
	}

	*p = v
	return b, nil
}

// MarshalMsg appends the MessagePack encoding of the
// vote to b.
func (v *Vote) MarshalMsg(b []byte) ([]byte, error) {
	const Items = 4

	b = msgp.AppendArrayHeader(b, Items)
	b = msgp.AppendUint64(b, v.Term)
	b = msgp.AppendString(b, v.CandidateID)
	b = msgp.AppendUint64(b, v.LastLogIndex)
	b = msgp.AppendUint64(b, v.LastLogTerm)
	return b, nil
}

// UnmarshalMsg decodes the vote from b and returns
// the remaining bytes.
func (v *Vote) UnmarshalMsg(b []byte) ([]byte, error) {
	const Items = 4

	b, err := xmsgp.ReadArrayHeader(b, Items)
	if err != nil {
		return b, err
	}

	var vote Vote
	if vote.Term, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if vote.CandidateID, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if vote.LastLogIndex, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if vote.LastLogTerm, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}

	*v = vote
	return b, nil
}

// MarshalMsg appends the MessagePack encoding of the
// log entry to b.
func (e *LogEntry) MarshalMsg(b []byte) ([]byte, error) { return appendLogEntry(b, e), nil }

// UnmarshalMsg decodes the log entry from b and returns
// the remaining bytes.
func (e *LogEntry) UnmarshalMsg(b []byte) ([]byte, error) { return readLogEntry(b, e) }

func appendLogEntry(b []byte, e *LogEntry) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = msgp.AppendUint64(b, e.Index)
	b = msgp.AppendUint64(b, e.Term)
	b = msgp.AppendBytes(b, e.Data)
	return b
}

func readLogEntry(b []byte, e *LogEntry) ([]byte, error) {
	b, err := xmsgp.ReadArrayHeader(b, 3)
	if err != nil {
		return b, err
	}

	var v LogEntry
	if v.Index, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.Term, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if v.Data, b, err = xmsgp.ReadBytes(b); err != nil {
		return b, err
	}

	*e = v
	return b, nil
}
