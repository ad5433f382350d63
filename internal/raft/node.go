// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// peer is the replication progress of a cluster member
// as seen by the leader.
type peer struct {
	nextIndex   uint64
	matchIndex  uint64
	missed      int
	lastContact time.Time
}

// Node is a member of a directory cluster.
type Node struct {
	id              string
	pingInterval    time.Duration
	electionTimeout time.Duration
	maxPingEntries  int
	missedPings     int
	logRetention    uint64
	noop            []byte

	storage   Storage
	transport Transport
	applier   Applier
	log       *slog.Logger

	mu               sync.RWMutex
	role             Role
	term             uint64
	votedFor         string
	leader           string
	members          []string
	peers            map[string]*peer
	commitIndex      uint64
	appliedIndex     uint64
	disallowUpdates  bool
	noopIndex        uint64
	electionDeadline time.Time
	retrySameTerm    bool
	transfer         bool
	elections        uint64
	waiters          map[uint64]chan error

	kick    chan struct{}
	applyCh chan struct{}

	ctx       context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New returns a new Node that has loaded its term and
// vote from the storage. The node does not take part in
// the cluster until it is started.
func New(config *Config) (*Node, error) {
	if config.ID == "" {
		return nil, errors.New("raft: no node ID specified")
	}
	if config.Storage == nil {
		return nil, errors.New("raft: no storage specified")
	}
	if config.Transport == nil {
		return nil, errors.New("raft: no transport specified")
	}
	if config.Applier == nil {
		return nil, errors.New("raft: no applier specified")
	}

	term, votedFor, err := config.Storage.State()
	if err != nil {
		return nil, err
	}
	lastIndex, err := config.Storage.LastIndex()
	if err != nil {
		return nil, err
	}
	if config.Applied > lastIndex {
		return nil, errors.New("raft: applied index is beyond the end of the log")
	}

	n := &Node{
		id:              config.ID,
		pingInterval:    config.PingInterval,
		electionTimeout: config.ElectionTimeout,
		maxPingEntries:  config.MaxPingEntries,
		missedPings:     config.MissedPings,
		logRetention:    config.LogRetention,
		noop:            config.Noop,
		storage:         config.Storage,
		transport:       config.Transport,
		applier:         config.Applier,
		log:             config.Logger,
		term:            term,
		votedFor:        votedFor,
		commitIndex:     config.Applied,
		appliedIndex:    config.Applied,
		peers:           map[string]*peer{},
		waiters:         map[uint64]chan error{},
		kick:            make(chan struct{}, 1),
		applyCh:         make(chan struct{}, 1),
	}
	if n.pingInterval <= 0 {
		n.pingInterval = 500 * time.Millisecond
	}
	if n.electionTimeout <= 0 {
		n.electionTimeout = 1500 * time.Millisecond
	}
	if n.maxPingEntries <= 0 {
		n.maxPingEntries = 64
	}
	if n.missedPings <= 0 {
		n.missedPings = 3
	}
	if n.logRetention == 0 {
		n.logRetention = 1024
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	n.log = n.log.With("node", n.id)

	n.setMembers(config.Members, lastIndex)
	n.ctx, n.stop = context.WithCancel(context.Background())
	return n, nil
}

// Start starts the election and apply goroutines of
// the node. Start is a no-op if the node has already
// been started.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		n.mu.Lock()
		n.electionDeadline = time.Now().Add(2*n.electionTimeout + randDuration(n.electionTimeout))
		n.mu.Unlock()

		n.wg.Add(2)
		go n.run()
		go n.applyLoop()
		signal(n.kick)
	})
}

// Close stops the node. Pending proposals fail with
// ErrClosed.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.stop()
		n.wg.Wait()

		n.mu.Lock()
		n.failWaiters(ErrClosed)
		n.mu.Unlock()
	})
	return nil
}

// ID returns the ID of the node.
func (n *Node) ID() string { return n.id }

// Status is a snapshot of the cluster state of a node.
type Status struct {
	ID           string
	Role         Role
	Term         uint64
	Leader       string
	VotedFor     string
	Ready        bool // Leader accepts proposals
	CommitIndex  uint64
	AppliedIndex uint64
	FirstIndex   uint64
	LastIndex    uint64
	Members      []string
	Elections    uint64 // Number of elections started by the node
}

// PeerStatus is the replication progress of a peer
// as seen by the leader.
type PeerStatus struct {
	ID          string
	NextIndex   uint64
	MatchIndex  uint64
	MissedPings int
	Partitioned bool
	LastContact time.Time
}

// State returns a snapshot of the node's cluster state.
func (n *Node) State() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()

	first, _ := n.storage.FirstIndex()
	last, _ := n.storage.LastIndex()
	return Status{
		ID:           n.id,
		Role:         n.role,
		Term:         n.term,
		Leader:       n.leader,
		VotedFor:     n.votedFor,
		Ready:        n.role == Leader && !n.disallowUpdates,
		CommitIndex:  n.commitIndex,
		AppliedIndex: n.appliedIndex,
		FirstIndex:   first,
		LastIndex:    last,
		Members:      slices.Clone(n.members),
		Elections:    n.elections,
	}
}

// Role returns the current role of the node.
func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.role
}

// Leader returns the ID of the current leader or
// the empty string if no leader is known.
func (n *Node) Leader() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.leader
}

// NeedReferral reports whether requests that modify
// the directory must be referred to another node. If
// so, it returns the leader, if known.
func (n *Node) NeedReferral() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.role == Leader {
		return "", false
	}
	return n.leader, true
}

// Members returns the IDs of all cluster members in
// sorted order.
func (n *Node) Members() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return slices.Clone(n.members)
}

// Followers returns the IDs of all followers that are
// not partitioned from the leader. It returns nil if
// the node is not the leader.
func (n *Node) Followers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.role != Leader {
		return nil
	}
	followers := make([]string, 0, len(n.peers))
	for id, p := range n.peers {
		if p.missed < n.missedPings {
			followers = append(followers, id)
		}
	}
	slices.Sort(followers)
	return followers
}

// Peers returns the replication progress of all peers.
// The progress is only maintained by the leader.
func (n *Node) Peers() []PeerStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := maps.Keys(n.peers)
	slices.Sort(ids)

	peers := make([]PeerStatus, 0, len(ids))
	for _, id := range ids {
		p := n.peers[id]
		peers = append(peers, PeerStatus{
			ID:          id,
			NextIndex:   p.nextIndex,
			MatchIndex:  p.matchIndex,
			MissedPings: p.missed,
			Partitioned: p.missed >= n.missedPings,
			LastContact: p.lastContact,
		})
	}
	return peers
}

// SetMembers replaces the cluster membership. It is
// called when a membership change has been committed.
func (n *Node) SetMembers(members []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, err := n.storage.LastIndex()
	if err != nil {
		n.log.Error("raft: failed to read log", "err", err)
		return
	}
	n.setMembers(members, last)
	if n.role != Leader {
		return
	}
	if !n.isMember() {
		n.log.Info("raft: leader removed from cluster", "term", n.term)
		n.becomeFollower(n.term, "")
		return
	}
	n.advanceCommit()
}

func (n *Node) setMembers(members []string, lastIndex uint64) {
	members = slices.Clone(members)
	slices.Sort(members)
	members = slices.Compact(members)

	peers := make(map[string]*peer, len(members))
	for _, id := range members {
		if id == n.id {
			continue
		}
		if p, ok := n.peers[id]; ok {
			peers[id] = p
		} else {
			peers[id] = &peer{nextIndex: lastIndex + 1}
		}
	}
	n.members, n.peers = members, peers
}

// run is the state goroutine of the node. The leader
// sends pings while followers and candidates start
// elections once their election timer expires.
func (n *Node) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		case <-n.kick:
		}

		n.mu.RLock()
		var (
			role     = n.role
			member   = n.isMember()
			single   = len(n.members) == 1
			expired  = time.Now().After(n.electionDeadline)
			transfer = n.transfer
		)
		n.mu.RUnlock()

		switch {
		case role == Leader:
			n.replicate()
		case member && (single || expired || transfer):
			n.election()
		}
	}
}

// becomeFollower converts the node into a follower of
// the given term. The caller must hold the lock.
func (n *Node) becomeFollower(term uint64, leader string) {
	if term > n.term {
		if err := n.setState(term, ""); err != nil {
			n.log.Error("raft: failed to persist term", "term", term, "err", err)
		}
	}
	if n.role != Follower {
		n.log.Info("raft: stepping down to follower", "role", n.role.String(), "term", n.term)
	}
	n.role = Follower
	n.leader = leader
	n.disallowUpdates = false
	n.retrySameTerm = false
	n.failWaiters(ErrLeadershipLost)
	n.resetElectionTimer()
}

// setState persists the term and vote before updating
// them in memory. The caller must hold the lock.
func (n *Node) setState(term uint64, votedFor string) error {
	if err := n.storage.SetState(term, votedFor); err != nil {
		return err
	}
	n.term, n.votedFor = term, votedFor
	return nil
}

// resetElectionTimer sets a randomized election
// deadline. The caller must hold the lock.
func (n *Node) resetElectionTimer() {
	n.electionDeadline = time.Now().Add(n.electionTimeout + randDuration(n.electionTimeout))
}

// failWaiters fails all pending proposals.
// The caller must hold the lock.
func (n *Node) failWaiters(err error) {
	for index, ch := range n.waiters {
		ch <- err
		delete(n.waiters, index)
	}
}

// lastLog returns the index and term of the last log
// entry. The caller must hold the lock.
func (n *Node) lastLog() (index, term uint64, err error) {
	if index, err = n.storage.LastIndex(); err != nil {
		return 0, 0, err
	}
	if term, err = n.storage.Term(index); err != nil {
		return 0, 0, err
	}
	return index, term, nil
}

// isMember reports whether the node itself is a
// cluster member. The caller must hold the lock.
func (n *Node) isMember() bool {
	_, ok := slices.BinarySearch(n.members, n.id)
	return ok
}

// majority returns the number of members that form
// a quorum. The caller must hold the lock.
func (n *Node) majority() int { return len(n.members)/2 + 1 }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func randDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
