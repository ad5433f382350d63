// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// applyBatch is the max. number of committed entries
// read from the log at once by the apply goroutine.
const applyBatch = 256

// HandlePing handles a ping of the leader and returns
// the reply.
//
// A ping with a stale term is rejected. Otherwise, the
// node becomes a follower of the ping's term, appends
// the entries that follow PrevLogIndex, replacing any
// conflicting entries, and advances its commit index.
func (n *Node) HandlePing(p *Ping) *PingReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p.Term < n.term {
		return &PingReply{Term: n.term, Leader: n.leader}
	}
	if p.Term > n.term || n.role != Follower {
		n.becomeFollower(p.Term, p.LeaderID)
	}
	n.leader = p.LeaderID
	n.resetElectionTimer()

	reply := &PingReply{Term: n.term, Leader: n.leader, MatchIndex: n.commitIndex}
	first, err := n.storage.FirstIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return reply
	}
	last, err := n.storage.LastIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return reply
	}
	if p.PrevLogIndex > last {
		reply.MatchIndex = last
		return reply
	}

	prev, entries := p.PrevLogIndex, p.Entries
	if base := first - 1; prev < base {
		// Compacted entries have been applied and
		// therefore match the leader's log.
		if skip := base - prev; uint64(len(entries)) > skip {
			prev, entries = base, entries[skip:]
		} else {
			prev, entries = prev+uint64(len(entries)), nil
		}
	} else {
		term, err := n.storage.Term(prev)
		if err != nil {
			n.log.Error("raft: failed to read log", "err", err)
			return reply
		}
		if term != p.PrevLogTerm {
			if prev > n.commitIndex {
				reply.MatchIndex = prev - 1
			}
			return reply
		}
	}

	for i, e := range entries {
		if e.Index <= last {
			term, err := n.storage.Term(e.Index)
			if err == nil && term == e.Term {
				continue
			}
			if e.Index <= n.commitIndex {
				n.log.Error("raft: leader conflicts with committed entry", "index", e.Index, "leader", p.LeaderID)
				return reply
			}
			if err = n.storage.Truncate(e.Index - 1); err != nil {
				n.log.Error("raft: failed to truncate log", "index", e.Index-1, "err", err)
				return reply
			}
		}
		if err = n.storage.Append(entries[i:]...); err != nil {
			n.log.Error("raft: failed to append log entries", "index", e.Index, "err", err)
			return reply
		}
		break
	}

	match := prev + uint64(len(entries))
	commit := p.LeaderCommit
	if commit > match {
		commit = match
	}
	if commit > n.commitIndex {
		n.commitIndex = commit
		signal(n.applyCh)
	}
	reply.Success = true
	reply.MatchIndex = match
	return reply
}

// Propose appends data to the log of the leader and
// waits until the entry has been committed and applied
// locally. It returns the index of the entry and the
// result of applying it.
//
// A node that is not the leader returns a *NotLeaderError.
// A leader that has not committed an entry of its term
// yet returns ErrNotReady.
func (n *Node) Propose(ctx context.Context, data []byte) (uint64, error) {
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		return 0, ErrClosed
	}
	if n.role != Leader {
		leader := n.leader
		n.mu.Unlock()
		return 0, &NotLeaderError{Leader: leader}
	}
	if n.disallowUpdates {
		n.mu.Unlock()
		return 0, ErrNotReady
	}
	last, err := n.storage.LastIndex()
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	e := LogEntry{Index: last + 1, Term: n.term, Data: data}
	if err = n.storage.Append(e); err != nil {
		n.mu.Unlock()
		return 0, err
	}
	result := make(chan error, 1)
	n.waiters[e.Index] = result
	n.advanceCommit()
	n.mu.Unlock()

	signal(n.kick)
	select {
	case err = <-result:
		return e.Index, err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, e.Index)
		n.mu.Unlock()
		return e.Index, ctx.Err()
	case <-n.ctx.Done():
		return e.Index, ErrClosed
	}
}

// Compact removes applied entries from the log. It keeps
// the most recent entries within the log retention and
// all entries a follower has not replicated yet.
func (n *Node) Compact() error {
	n.mu.RLock()
	if n.appliedIndex <= n.logRetention {
		n.mu.RUnlock()
		return nil
	}
	index := n.appliedIndex - n.logRetention
	if n.role == Leader {
		for _, p := range n.peers {
			if p.matchIndex < index {
				index = p.matchIndex
			}
		}
	}
	n.mu.RUnlock()

	first, err := n.storage.FirstIndex()
	if err != nil {
		return err
	}
	if index < first {
		return nil
	}
	return n.storage.Compact(index)
}

// replicate sends a ping to every peer and processes
// the replies.
func (n *Node) replicate() {
	n.mu.RLock()
	if n.role != Leader {
		n.mu.RUnlock()
		return
	}
	pings := make(map[string]*Ping, len(n.peers))
	for id, p := range n.peers {
		pings[id] = n.ping(id, p)
	}
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(n.ctx, n.pingInterval)
	defer cancel()

	var group errgroup.Group
	for id, ping := range pings {
		id, ping := id, ping
		group.Go(func() error {
			reply, err := n.transport.Ping(ctx, id, ping)
			n.handlePingReply(id, ping, reply, err)
			return nil
		})
	}
	group.Wait()
}

// ping returns the next ping for the peer. It carries
// up to MaxPingEntries entries starting at the peer's
// next index. The caller must hold the lock.
func (n *Node) ping(id string, p *peer) *Ping {
	ping := &Ping{
		Term:         n.term,
		LeaderID:     n.id,
		LeaderCommit: n.commitIndex,
	}

	prevTerm, err := n.storage.Term(p.nextIndex - 1)
	if err != nil {
		// The peer requires compacted entries. It can only
		// catch up from a backup of another member.
		n.log.Debug("raft: peer requires compacted log entries", "peer", id, "index", p.nextIndex, "err", err)
		return ping
	}
	last, err := n.storage.LastIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return ping
	}
	hi := p.nextIndex + uint64(n.maxPingEntries)
	if hi > last+1 {
		hi = last + 1
	}
	entries, err := n.storage.Entries(p.nextIndex, hi)
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return ping
	}
	ping.PrevLogIndex = p.nextIndex - 1
	ping.PrevLogTerm = prevTerm
	ping.Entries = entries
	return ping
}

// handlePingReply updates the replication progress of
// the peer and advances the commit index.
func (n *Node) handlePingReply(id string, ping *Ping, reply *PingReply, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.peers[id]
	if !ok {
		return
	}
	if err != nil {
		p.missed++
		if p.missed == n.missedPings {
			n.log.Warn("raft: peer presumed partitioned", "peer", id, "missed", p.missed)
		}
		n.log.Debug("raft: failed to ping peer", "peer", id, "err", err)
		return
	}
	if p.missed >= n.missedPings {
		n.log.Info("raft: peer reachable again", "peer", id)
	}
	p.missed = 0
	p.lastContact = time.Now()

	if reply.Term > n.term {
		n.becomeFollower(reply.Term, "")
		return
	}
	if n.role != Leader || n.term != ping.Term {
		return
	}

	last, _ := n.storage.LastIndex()
	if reply.Success {
		if match := ping.PrevLogIndex + uint64(len(ping.Entries)); match > p.matchIndex {
			p.matchIndex = match
		}
		if p.nextIndex <= p.matchIndex {
			p.nextIndex = p.matchIndex + 1
		}
		n.advanceCommit()
		if p.nextIndex <= last {
			signal(n.kick)
		}
		return
	}

	next := reply.MatchIndex + 1
	if next >= p.nextIndex {
		next = p.nextIndex - 1
	}
	if next <= p.matchIndex {
		next = p.matchIndex + 1
	}
	if next < 1 {
		next = 1
	}
	p.nextIndex = next
	signal(n.kick)
}

// advanceCommit advances the commit index of the leader
// to the highest entry of its term that is stored on a
// majority of members. The caller must hold the lock.
func (n *Node) advanceCommit() {
	last, err := n.storage.LastIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return
	}

	majority := n.majority()
	for index := last; index > n.commitIndex; index-- {
		term, err := n.storage.Term(index)
		if err != nil || term != n.term {
			return
		}

		var count int
		if n.isMember() {
			count++
		}
		for _, p := range n.peers {
			if p.matchIndex >= index {
				count++
			}
		}
		if count >= majority {
			n.commitIndex = index
			signal(n.applyCh)
			return
		}
	}
}

// applyLoop applies committed entries in log order and
// completes the proposals waiting for them.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	signal(n.applyCh)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applyCh:
		}

		for n.ctx.Err() == nil {
			n.mu.RLock()
			lo, hi := n.appliedIndex+1, n.commitIndex
			n.mu.RUnlock()
			if lo > hi {
				break
			}
			if hi-lo >= applyBatch {
				hi = lo + applyBatch - 1
			}

			entries, err := n.storage.Entries(lo, hi+1)
			if err != nil {
				n.log.Error("raft: failed to read committed log entries", "from", lo, "to", hi, "err", err)
				break
			}
			for _, e := range entries {
				result := n.applier.Apply(e)

				n.mu.Lock()
				n.appliedIndex = e.Index
				if ch, ok := n.waiters[e.Index]; ok {
					ch <- result
					delete(n.waiters, e.Index)
				}
				if n.role == Leader && n.disallowUpdates && e.Index >= n.noopIndex {
					n.disallowUpdates = false
					n.log.Info("raft: leader accepts updates", "term", n.term)
				}
				n.mu.Unlock()
			}
			if err = n.Compact(); err != nil {
				n.log.Error("raft: failed to compact log", "err", err)
			}
		}
	}
}
