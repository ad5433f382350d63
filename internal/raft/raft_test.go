// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/minio/lwdir/internal/entry"
	"go.uber.org/goleak"
	"golang.org/x/exp/slices"
)

var errUnreachable = errors.New("raft: peer unreachable")

// network connects in-process nodes. Isolated nodes
// can neither send nor receive messages.
type network struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	isolated map[string]bool
}

func (net *network) node(from, to string) (*Node, error) {
	net.mu.RLock()
	defer net.mu.RUnlock()

	if net.isolated[from] || net.isolated[to] {
		return nil, errUnreachable
	}
	n, ok := net.nodes[to]
	if !ok {
		return nil, errUnreachable
	}
	return n, nil
}

func (net *network) isolate(id string, isolated bool) {
	net.mu.Lock()
	defer net.mu.Unlock()

	net.isolated[id] = isolated
}

// memTransport sends messages through a network. Messages
// and replies are encoded as they would be on the wire.
type memTransport struct {
	net  *network
	from string
}

func (t *memTransport) Ping(ctx context.Context, peer string, ping *Ping) (*PingReply, error) {
	n, err := t.net.node(t.from, peer)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	b, err := ping.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	var p Ping
	if _, err = p.UnmarshalMsg(b); err != nil {
		return nil, err
	}
	e, err := entry.Decode(entry.Encode(PingReplyEntry(n.HandlePing(&p))))
	if err != nil {
		return nil, err
	}
	return ParsePingReplyEntry(e)
}

func (t *memTransport) Vote(ctx context.Context, peer string, vote *Vote) (*VoteReply, error) {
	n, err := t.net.node(t.from, peer)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	b, err := vote.MarshalMsg(nil)
	if err != nil {
		return nil, err
	}
	var v Vote
	if _, err = v.UnmarshalMsg(b); err != nil {
		return nil, err
	}
	e, err := entry.Decode(entry.Encode(VoteReplyEntry(n.HandleVote(&v))))
	if err != nil {
		return nil, err
	}
	return ParseVoteReplyEntry(e)
}

func (t *memTransport) InitiateVote(ctx context.Context, peer string) error {
	n, err := t.net.node(t.from, peer)
	if err != nil {
		return err
	}
	return n.InitiateVote()
}

// applier records the data of all applied entries
// except no-op entries.
type applier struct {
	mu   sync.Mutex
	data []string
}

func (a *applier) Apply(e LogEntry) error {
	if len(e.Data) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.data = append(a.data, string(e.Data))
	return nil
}

func (a *applier) Data() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.data)
}

type cluster struct {
	net      *network
	nodes    map[string]*Node
	appliers map[string]*applier
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()

	c := &cluster{
		net:      &network{nodes: map[string]*Node{}, isolated: map[string]bool{}},
		nodes:    map[string]*Node{},
		appliers: map[string]*applier{},
	}
	for _, id := range ids {
		a := new(applier)
		n, err := New(&Config{
			ID:              id,
			Members:         ids,
			PingInterval:    10 * time.Millisecond,
			ElectionTimeout: 50 * time.Millisecond,
			MaxPingEntries:  4,
			Storage:         new(MemStorage),
			Transport:       &memTransport{net: c.net, from: id},
			Applier:         a,
		})
		if err != nil {
			t.Fatalf("Failed to create node '%s': %v", id, err)
		}
		c.nodes[id], c.appliers[id] = n, a
		c.net.nodes[id] = n
	}
	for _, n := range c.nodes {
		n.Start()
	}
	return c
}

func (c *cluster) Close() {
	for _, n := range c.nodes {
		n.Close()
	}
}

// leader waits until exactly one of the given nodes is
// a leader that accepts updates and returns it.
func (c *cluster) leader(t *testing.T, ids ...string) *Node {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var leaders []*Node
		for _, id := range ids {
			if s := c.nodes[id].State(); s.Role == Leader && s.Ready {
				leaders = append(leaders, c.nodes[id])
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("No leader elected among %v", ids)
	return nil
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestNode(t *testing.T, storage *MemStorage) *Node {
	t.Helper()

	n, err := New(&Config{
		ID:        "node-1",
		Members:   []string{"node-1", "node-2", "node-3"},
		Storage:   storage,
		Transport: &memTransport{net: &network{}, from: "node-1"},
		Applier:   new(applier),
	})
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	return n
}

func newTestStorage(t *testing.T, term uint64, terms ...uint64) *MemStorage {
	t.Helper()

	s := new(MemStorage)
	if err := s.SetState(term, ""); err != nil {
		t.Fatalf("Failed to set state: %v", err)
	}
	for i, term := range terms {
		if err := s.Append(LogEntry{Index: uint64(i + 1), Term: term}); err != nil {
			t.Fatalf("Failed to append log entry: %v", err)
		}
	}
	return s
}

var handleVoteTests = []struct {
	Role    Role
	Vote    Vote
	Granted bool
	Term    uint64
}{
	{Vote: Vote{Term: 1, CandidateID: "node-2", LastLogIndex: 3, LastLogTerm: 2}, Granted: false, Term: 2},                  // 0
	{Vote: Vote{Term: 2, CandidateID: "node-2", LastLogIndex: 3, LastLogTerm: 2}, Granted: true, Term: 2},                   // 1
	{Vote: Vote{Term: 2, CandidateID: "node-3", LastLogIndex: 9, LastLogTerm: 2}, Granted: false, Term: 2},                  // 2
	{Vote: Vote{Term: 2, CandidateID: "node-2", LastLogIndex: 3, LastLogTerm: 2}, Granted: true, Term: 2},                   // 3
	{Vote: Vote{Term: 3, CandidateID: "node-3", LastLogIndex: 2, LastLogTerm: 2}, Granted: false, Term: 3},                  // 4
	{Vote: Vote{Term: 3, CandidateID: "node-3", LastLogIndex: 5, LastLogTerm: 1}, Granted: false, Term: 3},                  // 5
	{Vote: Vote{Term: 3, CandidateID: "node-3", LastLogIndex: 3, LastLogTerm: 2}, Granted: true, Term: 3},                   // 6
	{Role: Leader, Vote: Vote{Term: 3, CandidateID: "node-2", LastLogIndex: 9, LastLogTerm: 3}, Granted: false, Term: 3},    // 7
	{Role: Leader, Vote: Vote{Term: 4, CandidateID: "node-2", LastLogIndex: 9, LastLogTerm: 3}, Granted: true, Term: 4},     // 8
	{Role: Candidate, Vote: Vote{Term: 4, CandidateID: "node-3", LastLogIndex: 9, LastLogTerm: 3}, Granted: false, Term: 4}, // 9
}

func TestHandleVote(t *testing.T) {
	storage := newTestStorage(t, 2, 1, 1, 2)
	n := newTestNode(t, storage)
	defer n.Close()

	for i, test := range handleVoteTests {
		n.mu.Lock()
		n.role = test.Role
		n.mu.Unlock()

		before, _, _ := storage.State()
		reply := n.HandleVote(&test.Vote)
		if reply.Granted != test.Granted {
			t.Fatalf("Test %d: got granted '%v' - want '%v'", i, reply.Granted, test.Granted)
		}
		if reply.Term != test.Term {
			t.Fatalf("Test %d: got term %d - want %d", i, reply.Term, test.Term)
		}
		term, votedFor, _ := storage.State()
		if term != test.Term {
			t.Fatalf("Test %d: persisted term %d - want %d", i, term, test.Term)
		}
		if test.Granted && votedFor != test.Vote.CandidateID {
			t.Fatalf("Test %d: persisted vote '%s' - want '%s'", i, votedFor, test.Vote.CandidateID)
		}
		if test.Vote.Term > before && n.Role() != Follower {
			t.Fatalf("Test %d: node did not step down on higher term", i)
		}
	}
}

func TestVoteSafety(t *testing.T) {
	candidates := []string{"node-2", "node-3", "node-4", "node-5"}
	for i := 0; i < 50; i++ {
		storage := newTestStorage(t, 0, 1, 1)
		n := newTestNode(t, storage)

		var (
			mu     sync.Mutex
			grants = map[uint64]map[string]bool{}
			wg     sync.WaitGroup
		)
		for j := 0; j < 64; j++ {
			vote := Vote{
				Term:         uint64(1 + randDuration(3)),
				CandidateID:  candidates[randDuration(time.Duration(len(candidates)))],
				LastLogIndex: uint64(randDuration(4)),
				LastLogTerm:  uint64(randDuration(3)),
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if reply := n.HandleVote(&vote); reply.Granted {
					mu.Lock()
					if grants[vote.Term] == nil {
						grants[vote.Term] = map[string]bool{}
					}
					grants[vote.Term][vote.CandidateID] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		n.Close()

		for term, granted := range grants {
			if len(granted) > 1 {
				t.Fatalf("Round %d: node granted votes to %d candidates in term %d", i, len(granted), term)
			}
		}
	}
}

var handlePingTests = []struct {
	Ping    Ping
	Success bool
	Match   uint64
	Terms   []uint64
	Commit  uint64
}{
	{ // 0
		Ping:    Ping{Term: 1, LeaderID: "node-2", PrevLogIndex: 3, PrevLogTerm: 2},
		Success: false,
		Terms:   []uint64{1, 1, 2},
	},
	{ // 1
		Ping:    Ping{Term: 2, LeaderID: "node-2", PrevLogIndex: 5, PrevLogTerm: 2},
		Success: false,
		Match:   3,
		Terms:   []uint64{1, 1, 2},
	},
	{ // 2
		Ping:    Ping{Term: 2, LeaderID: "node-2", PrevLogIndex: 3, PrevLogTerm: 3},
		Success: false,
		Match:   2,
		Terms:   []uint64{1, 1, 2},
	},
	{ // 3
		Ping: Ping{Term: 2, LeaderID: "node-2", PrevLogIndex: 3, PrevLogTerm: 2, LeaderCommit: 2, Entries: []LogEntry{
			{Index: 4, Term: 2, Data: []byte("a")},
			{Index: 5, Term: 2, Data: []byte("b")},
		}},
		Success: true,
		Match:   5,
		Terms:   []uint64{1, 1, 2, 2, 2},
		Commit:  2,
	},
	{ // 4
		Ping: Ping{Term: 3, LeaderID: "node-3", PrevLogIndex: 3, PrevLogTerm: 2, LeaderCommit: 9, Entries: []LogEntry{
			{Index: 4, Term: 2, Data: []byte("a")},
			{Index: 5, Term: 3, Data: []byte("c")},
		}},
		Success: true,
		Match:   5,
		Terms:   []uint64{1, 1, 2, 2, 3},
		Commit:  5,
	},
	{ // 5
		Ping:    Ping{Term: 3, LeaderID: "node-3", PrevLogIndex: 2, PrevLogTerm: 1, LeaderCommit: 9},
		Success: true,
		Match:   2,
		Terms:   []uint64{1, 1, 2, 2, 3},
		Commit:  5,
	},
}

func TestHandlePing(t *testing.T) {
	storage := newTestStorage(t, 2, 1, 1, 2)
	n := newTestNode(t, storage)
	defer n.Close()

	for i, test := range handlePingTests {
		reply := n.HandlePing(&test.Ping)
		if reply.Success != test.Success {
			t.Fatalf("Test %d: got success '%v' - want '%v'", i, reply.Success, test.Success)
		}
		if test.Success || test.Match > 0 {
			if reply.MatchIndex != test.Match {
				t.Fatalf("Test %d: got match index %d - want %d", i, reply.MatchIndex, test.Match)
			}
		}

		last, _ := storage.LastIndex()
		terms := make([]uint64, 0, last)
		for index := uint64(1); index <= last; index++ {
			term, err := storage.Term(index)
			if err != nil {
				t.Fatalf("Test %d: failed to read log: %v", i, err)
			}
			terms = append(terms, term)
		}
		if !slices.Equal(terms, test.Terms) {
			t.Fatalf("Test %d: got log terms %v - want %v", i, terms, test.Terms)
		}
		if s := n.State(); s.CommitIndex != test.Commit {
			t.Fatalf("Test %d: got commit index %d - want %d", i, s.CommitIndex, test.Commit)
		}
		if test.Success && n.Leader() != test.Ping.LeaderID {
			t.Fatalf("Test %d: got leader '%s' - want '%s'", i, n.Leader(), test.Ping.LeaderID)
		}
	}
}

func TestReplyEntry(t *testing.T) {
	ping := &PingReply{Term: 7, Leader: "node-2", Success: true, MatchIndex: 42}
	e := PingReplyEntry(ping)
	if e.DN != "cn=ping" || !e.HasObjectClass("clusterState") {
		t.Fatalf("Invalid ping reply entry: %+v", e)
	}
	if reply, err := ParsePingReplyEntry(e); err != nil || *reply != *ping {
		t.Fatalf("Ping reply mismatch: got %+v - want %+v: %v", reply, ping, err)
	}

	vote := &VoteReply{Term: 7, Granted: true}
	e = VoteReplyEntry(vote)
	if e.DN != "cn=vote" || e.Get("raftVoteGranted")[0] != "1" {
		t.Fatalf("Invalid vote reply entry: %+v", e)
	}
	if reply, err := ParseVoteReplyEntry(e); err != nil || *reply != *vote {
		t.Fatalf("Vote reply mismatch: got %+v - want %+v: %v", reply, vote, err)
	}

	if _, err := ParseVoteReplyEntry(PingReplyEntry(ping)); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrInvalidReply)
	}
	e.Set(AttrCurrentTerm, "-1")
	if _, err := ParseVoteReplyEntry(e); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrInvalidReply)
	}
}

func TestMemStorage(t *testing.T) {
	s := newTestStorage(t, 1, 1, 1, 2, 2, 3)

	if err := s.Append(LogEntry{Index: 7, Term: 3}); err == nil {
		t.Fatal("Appended log entry with a gap")
	}
	if err := s.Compact(2); err != nil {
		t.Fatalf("Failed to compact log: %v", err)
	}
	if first, _ := s.FirstIndex(); first != 3 {
		t.Fatalf("Invalid first index: got %d - want 3", first)
	}
	if term, err := s.Term(2); err != nil || term != 1 {
		t.Fatalf("Invalid term of the last compacted entry: got %d - want 1: %v", term, err)
	}
	if _, err := s.Term(1); !errors.Is(err, ErrCompacted) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrCompacted)
	}
	if _, err := s.Entries(2, 4); !errors.Is(err, ErrCompacted) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrCompacted)
	}
	if entries, err := s.Entries(3, 10); err != nil || len(entries) != 3 || entries[0].Index != 3 {
		t.Fatalf("Invalid entries: %v: %v", entries, err)
	}
	if err := s.Truncate(3); err != nil {
		t.Fatalf("Failed to truncate log: %v", err)
	}
	if last, _ := s.LastIndex(); last != 3 {
		t.Fatalf("Invalid last index: got %d - want 3", last)
	}
}

func TestSingleNode(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := newCluster(t, "node-1")
	defer c.Close()

	n := c.leader(t, "node-1")
	for i := 0; i < 5; i++ {
		if _, err := n.Propose(context.Background(), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Failed to propose entry %d: %v", i, err)
		}
	}
	if data := c.appliers["node-1"].Data(); !slices.Equal(data, []string{"0", "1", "2", "3", "4"}) {
		t.Fatalf("Invalid applied entries: %v", data)
	}
	if s := n.State(); s.Elections != 1 || s.Term != 1 || s.AppliedIndex != 6 {
		t.Fatalf("Invalid node state: %+v", s)
	}
}

func TestReplication(t *testing.T) {
	defer goleak.VerifyNone(t)

	ids := []string{"node-1", "node-2", "node-3"}
	c := newCluster(t, ids...)
	defer c.Close()

	leader := c.leader(t, ids...)
	for _, id := range ids {
		if id == leader.ID() {
			continue
		}
		_, err := c.nodes[id].Propose(context.Background(), []byte("x"))
		waitFor(t, "follower did not learn the leader", func() bool { return c.nodes[id].Leader() == leader.ID() })

		var notLeader *NotLeaderError
		if !errors.As(err, &notLeader) || !errors.Is(err, ErrNotLeader) {
			t.Fatalf("Invalid error on follower: got '%v' - want '%v'", err, ErrNotLeader)
		}
		if leader, ok := c.nodes[id].NeedReferral(); !ok || leader == "" {
			t.Fatalf("Follower does not refer to the leader: '%s' %v", leader, ok)
		}
	}

	var want []string
	for i := 0; i < 20; i++ {
		want = append(want, fmt.Sprint(i))
		if _, err := leader.Propose(context.Background(), []byte(want[i])); err != nil {
			t.Fatalf("Failed to propose entry %d: %v", i, err)
		}
	}
	for _, id := range ids {
		waitFor(t, "entries not applied on "+id, func() bool { return slices.Equal(c.appliers[id].Data(), want) })
	}
	if followers := leader.Followers(); len(followers) != 2 {
		t.Fatalf("Invalid followers: %v", followers)
	}
}

func TestElection(t *testing.T) {
	defer goleak.VerifyNone(t)

	ids := []string{"node-1", "node-2", "node-3"}
	c := newCluster(t, ids...)
	defer c.Close()

	old := c.leader(t, ids...)
	oldTerm := old.State().Term
	if _, err := old.Propose(context.Background(), []byte("before")); err != nil {
		t.Fatalf("Failed to propose entry: %v", err)
	}

	var rest []string
	for _, id := range ids {
		if id != old.ID() {
			rest = append(rest, id)
		}
	}
	c.net.isolate(old.ID(), true)

	leader := c.leader(t, rest...)
	if term := leader.State().Term; term <= oldTerm {
		t.Fatalf("New leader has term %d - want > %d", term, oldTerm)
	}
	waitFor(t, "old leader not presumed partitioned", func() bool {
		for _, p := range leader.Peers() {
			if p.ID == old.ID() {
				return p.Partitioned
			}
		}
		return false
	})
	if _, err := leader.Propose(context.Background(), []byte("after")); err != nil {
		t.Fatalf("Failed to propose entry: %v", err)
	}

	c.net.isolate(old.ID(), false)
	waitFor(t, "old leader did not step down", func() bool {
		s := old.State()
		return s.Role == Follower && s.Term >= leader.State().Term && s.Leader == leader.ID()
	})
	waitFor(t, "old leader did not catch up", func() bool {
		return slices.Equal(c.appliers[old.ID()].Data(), []string{"before", "after"})
	})
	if members := old.Members(); !slices.Equal(members, ids) {
		t.Fatalf("Membership changed: got %v - want %v", members, ids)
	}
}

func TestLeadershipTransfer(t *testing.T) {
	defer goleak.VerifyNone(t)

	ids := []string{"node-1", "node-2", "node-3"}
	c := newCluster(t, ids...)
	defer c.Close()

	old := c.leader(t, ids...)
	oldTerm := old.State().Term
	if _, err := old.Propose(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Failed to propose entry: %v", err)
	}
	waitFor(t, "followers did not catch up", func() bool {
		last := old.State().LastIndex
		for _, p := range old.Peers() {
			if p.MatchIndex != last {
				return false
			}
		}
		return true
	})

	if _, err := old.StartVote(context.Background(), "unknown"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Invalid error: got '%v' - want '%v'", err, ErrUnknownPeer)
	}
	peer, err := old.StartVote(context.Background(), "")
	if err != nil {
		t.Fatalf("Failed to transfer leadership: %v", err)
	}
	leader := c.nodes[peer]
	waitFor(t, "leadership not transferred to "+peer, func() bool {
		s := leader.State()
		return s.Role == Leader && s.Ready
	})
	if role := old.Role(); role != Follower {
		t.Fatalf("Old leader did not step down: %s", role)
	}
	if term := leader.State().Term; term <= oldTerm {
		t.Fatalf("New leader has term %d - want > %d", term, oldTerm)
	}
}
