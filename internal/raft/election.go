// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// HandleVote handles a vote request of a candidate
// and returns the reply.
//
// A vote is denied if the candidate's term is stale,
// the node has already voted for another candidate in
// this term, the node's log is more up to date than the
// candidate's log or the node is the leader of the term.
// A request with a higher term converts the node into
// a follower before the vote is decided.
func (n *Node) HandleVote(v *Vote) *VoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if v.Term < n.term {
		return &VoteReply{Term: n.term}
	}
	if v.Term > n.term {
		n.becomeFollower(v.Term, "")
		if n.term != v.Term {
			return &VoteReply{Term: n.term} // term not persisted
		}
	}

	reply := &VoteReply{Term: n.term}
	if n.role == Leader {
		return reply
	}
	if n.votedFor != "" && n.votedFor != v.CandidateID {
		return reply
	}
	lastIndex, lastTerm, err := n.lastLog()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return reply
	}
	if v.LastLogTerm < lastTerm || (v.LastLogTerm == lastTerm && v.LastLogIndex < lastIndex) {
		return reply
	}
	if err = n.setState(n.term, v.CandidateID); err != nil {
		n.log.Error("raft: failed to persist vote", "term", n.term, "err", err)
		return reply
	}
	n.resetElectionTimer()

	reply.Granted = true
	return reply
}

// StartVote transfers leadership to the peer by asking
// it to start an election. If peer is empty, the peer
// with the most up to date log is chosen. StartVote
// returns the chosen peer.
//
// The peer must have replicated the entire log of the
// leader. Otherwise, StartVote returns ErrPeerBehind.
func (n *Node) StartVote(ctx context.Context, peer string) (string, error) {
	n.mu.RLock()
	if n.role != Leader {
		leader := n.leader
		n.mu.RUnlock()
		return "", &NotLeaderError{Leader: leader}
	}
	if peer == "" {
		ids := maps.Keys(n.peers)
		slices.Sort(ids)
		for _, id := range ids {
			if peer == "" || n.peers[id].matchIndex > n.peers[peer].matchIndex {
				peer = id
			}
		}
	}
	p, ok := n.peers[peer]
	if !ok {
		n.mu.RUnlock()
		return "", ErrUnknownPeer
	}
	last, err := n.storage.LastIndex()
	if err != nil {
		n.mu.RUnlock()
		return "", err
	}
	if p.matchIndex < last {
		n.mu.RUnlock()
		return "", ErrPeerBehind
	}
	n.mu.RUnlock()

	if err = n.transport.InitiateVote(ctx, peer); err != nil {
		return "", err
	}
	n.log.Info("raft: transferring leadership", "peer", peer)
	return peer, nil
}

// InitiateVote expires the election timer of the node
// such that it starts an election immediately. It is
// sent by a leader that transfers its leadership.
func (n *Node) InitiateVote() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if !n.isMember() {
		return ErrUnknownPeer
	}
	if n.role == Leader {
		return nil
	}
	n.transfer = true
	signal(n.kick)
	return nil
}

// election runs one election round. The candidate
// votes for itself and requests votes from all peers
// in parallel.
//
// If too few peers are reachable to form a quorum,
// the next round retries the same term instead of
// starting a new one.
func (n *Node) election() {
	n.mu.Lock()
	if n.role == Leader || !n.isMember() {
		n.mu.Unlock()
		return
	}
	if !n.retrySameTerm || n.votedFor != n.id {
		if err := n.setState(n.term+1, n.id); err != nil {
			n.log.Error("raft: failed to persist term", "term", n.term+1, "err", err)
			n.resetElectionTimer()
			n.mu.Unlock()
			return
		}
		n.elections++
	}
	n.retrySameTerm = false
	n.transfer = false
	n.role = Candidate
	n.leader = ""
	n.resetElectionTimer()

	var (
		term     = n.term
		majority = n.majority()
		size     = len(n.members)
		peers    = make([]string, 0, len(n.peers))
	)
	for id := range n.peers {
		peers = append(peers, id)
	}
	lastIndex, lastTerm, err := n.lastLog()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		n.mu.Unlock()
		return
	}
	if majority <= 1 {
		n.becomeLeader()
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.log.Info("raft: starting election", "term", term)
	vote := &Vote{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.electionTimeout/2)
	defer cancel()

	var (
		mu      sync.Mutex
		granted = 1
		reached int
		maxTerm = term
		group   errgroup.Group
	)
	for _, id := range peers {
		id := id
		group.Go(func() error {
			reply, err := n.transport.Vote(ctx, id, vote)
			if err != nil {
				n.log.Debug("raft: failed to request vote", "peer", id, "term", term, "err", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			reached++
			if reply.Term > maxTerm {
				maxTerm = reply.Term
			}
			if reply.Granted && reply.Term == term {
				granted++
			}
			return nil
		})
	}
	group.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.term != term || n.role != Candidate {
		return // A ping or vote of another node changed the state.
	}
	switch {
	case maxTerm > term:
		n.becomeFollower(maxTerm, "")
	case granted >= majority:
		n.becomeLeader()
	case reached < size/2:
		n.retrySameTerm = true
		n.log.Info("raft: not enough peers reachable, delaying election", "term", term, "reachable", reached)
	default:
		n.electionDeadline = time.Now().Add(randDuration(n.pingInterval / 2))
		n.log.Info("raft: split vote", "term", term, "votes", granted)
	}
}

// becomeLeader converts the candidate into the leader
// and appends the no-op entry of its term. Proposals
// are rejected until this entry has been applied.
// The caller must hold the lock.
func (n *Node) becomeLeader() {
	last, err := n.storage.LastIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return
	}
	noop := LogEntry{Index: last + 1, Term: n.term, Data: n.noop}
	if err = n.storage.Append(noop); err != nil {
		n.log.Error("raft: failed to append no-op entry", "err", err)
		return
	}

	n.role = Leader
	n.leader = n.id
	n.disallowUpdates = true
	n.noopIndex = noop.Index
	for _, p := range n.peers {
		p.nextIndex = noop.Index
		p.matchIndex = 0
		p.missed = 0
	}
	n.log.Info("raft: elected leader", "term", n.term, "index", noop.Index)

	n.advanceCommit()
	signal(n.kick)
}
