// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/minio/lwdir/internal/entry"
)

// Attributes of ping and vote reply entries.
const (
	AttrCurrentTerm = "raftCurrentTerm"
	AttrStatus      = "raftStatus"
	AttrVoteGranted = "raftVoteGranted"
	AttrLeader      = "raftLeader"
	AttrMatchIndex  = "raftMatchIndex"

	// ClassClusterState is the object class of
	// reply entries.
	ClassClusterState = "clusterState"

	PingReplyDN = "cn=ping"
	VoteReplyDN = "cn=vote"
)

// Values of the raftStatus attribute.
const (
	StatusSuccess  = 0
	StatusMismatch = 1
)

// ErrInvalidReply is returned when a reply entry is
// malformed.
var ErrInvalidReply = errors.New("raft: invalid reply entry")

// PingReplyEntry returns the directory entry that
// represents the ping reply.
func PingReplyEntry(r *PingReply) *entry.Entry {
	status := StatusMismatch
	if r.Success {
		status = StatusSuccess
	}

	e := &entry.Entry{DN: PingReplyDN}
	e.Set(entry.AttrObjectClass, "top", ClassClusterState)
	e.Set(entry.AttrCN, "ping")
	e.Set(AttrCurrentTerm, strconv.FormatUint(r.Term, 10))
	e.Set(AttrStatus, strconv.Itoa(status))
	e.Set(AttrMatchIndex, strconv.FormatUint(r.MatchIndex, 10))
	if r.Leader != "" {
		e.Set(AttrLeader, r.Leader)
	}
	return e
}

// ParsePingReplyEntry parses a ping reply entry
// produced by PingReplyEntry.
func ParsePingReplyEntry(e *entry.Entry) (*PingReply, error) {
	if err := checkReplyEntry(e, PingReplyDN); err != nil {
		return nil, err
	}
	term, err := uintAttr(e, AttrCurrentTerm)
	if err != nil {
		return nil, err
	}
	status, err := uintAttr(e, AttrStatus)
	if err != nil {
		return nil, err
	}
	match, err := uintAttr(e, AttrMatchIndex)
	if err != nil {
		return nil, err
	}

	r := &PingReply{
		Term:       term,
		Success:    status == StatusSuccess,
		MatchIndex: match,
	}
	if v := e.Get(AttrLeader); len(v) == 1 {
		r.Leader = v[0]
	}
	return r, nil
}

// VoteReplyEntry returns the directory entry that
// represents the vote reply.
func VoteReplyEntry(r *VoteReply) *entry.Entry {
	granted := "0"
	if r.Granted {
		granted = "1"
	}

	e := &entry.Entry{DN: VoteReplyDN}
	e.Set(entry.AttrObjectClass, "top", ClassClusterState)
	e.Set(entry.AttrCN, "vote")
	e.Set(AttrCurrentTerm, strconv.FormatUint(r.Term, 10))
	e.Set(AttrVoteGranted, granted)
	return e
}

// ParseVoteReplyEntry parses a vote reply entry
// produced by VoteReplyEntry.
func ParseVoteReplyEntry(e *entry.Entry) (*VoteReply, error) {
	if err := checkReplyEntry(e, VoteReplyDN); err != nil {
		return nil, err
	}
	term, err := uintAttr(e, AttrCurrentTerm)
	if err != nil {
		return nil, err
	}
	granted, err := uintAttr(e, AttrVoteGranted)
	if err != nil {
		return nil, err
	}
	return &VoteReply{Term: term, Granted: granted == 1}, nil
}

func checkReplyEntry(e *entry.Entry, dn string) error {
	if e == nil || e.DN != dn {
		return fmt.Errorf("%w: expected '%s'", ErrInvalidReply, dn)
	}
	if !e.HasObjectClass(ClassClusterState) {
		return fmt.Errorf("%w: '%s' is not a %s entry", ErrInvalidReply, dn, ClassClusterState)
	}
	return nil
}

func uintAttr(e *entry.Entry, name string) (uint64, error) {
	v := e.Get(name)
	if len(v) != 1 {
		return 0, fmt.Errorf("%w: '%s' requires exactly one '%s' value", ErrInvalidReply, e.DN, name)
	}
	n, err := strconv.ParseUint(v[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid '%s' value: %v", ErrInvalidReply, name, err)
	}
	return n, nil
}
