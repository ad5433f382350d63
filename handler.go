// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"aead.dev/mem"
	"github.com/google/uuid"
	"github.com/minio/lwdir/internal/api"
	"github.com/minio/lwdir/internal/entry"
	"github.com/minio/lwdir/internal/headers"
	xmsgp "github.com/minio/lwdir/internal/msgp"
	"github.com/minio/lwdir/internal/raft"
	"github.com/minio/lwdir/internal/repl"
	"github.com/minio/lwdir/internal/watch"
	"github.com/prometheus/common/expfmt"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultPollWait is the time a poll of a watch session
// waits for new events if the client does not specify
// a wait duration.
const DefaultPollWait = 30 * time.Second

func (s *Server) routes() []api.API {
	return []api.API{
		{
			Method:  http.MethodGet,
			Path:    api.PathStatus,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleStatus,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathMetrics,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleMetrics,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathListAPIs,
			MaxBody: 0,
			Timeout: 10 * time.Second,
			Handler: s.handleListAPIs,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathBackup,
			MaxBody: 0,
			Timeout: 0, // Backups of large directories may take a long time
			Handler: s.handleBackup,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathLogError,
			MaxBody: 0,
			Timeout: 0, // No timeout since the client keeps the connection open
			Handler: s.handleErrorLog,
		},

		{
			Method:  http.MethodGet,
			Path:    api.PathEntry,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleGetEntry,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathEntry,
			MaxBody: int64(1 * mem.MB),
			Timeout: 15 * time.Second,
			Handler: s.handleAddEntry,
		},
		{
			Method:  http.MethodPatch,
			Path:    api.PathEntry,
			MaxBody: int64(1 * mem.MB),
			Timeout: 15 * time.Second,
			Handler: s.handleModifyEntry,
		},
		{
			Method:  http.MethodDelete,
			Path:    api.PathEntry,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleDeleteEntry,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathSearch,
			MaxBody: 0,
			Timeout: 30 * time.Second,
			Handler: s.handleSearch,
		},

		{
			Method:  http.MethodPost,
			Path:    api.PathWatchStart,
			MaxBody: int64(1 * mem.KB),
			Timeout: 15 * time.Second,
			Handler: s.handleStartWatch,
		},
		{
			Method:  http.MethodGet,
			Path:    api.PathWatch,
			MaxBody: 0,
			Timeout: 0, // Polls wait until events are published
			Handler: s.handlePollWatch,
		},
		{
			Method:  http.MethodDelete,
			Path:    api.PathWatch,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleCancelWatch,
		},

		{
			Method:  http.MethodGet,
			Path:    api.PathClusterStatus,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleClusterStatus,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathClusterJoin,
			MaxBody: int64(1 * mem.KB),
			Timeout: 15 * time.Second,
			Handler: s.handleJoinCluster,
		},
		{
			Method:  http.MethodDelete,
			Path:    api.PathClusterLeave,
			MaxBody: int64(1 * mem.KB),
			Timeout: 15 * time.Second,
			Handler: s.handleLeaveCluster,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathClusterTransfer,
			MaxBody: int64(1 * mem.KB),
			Timeout: 15 * time.Second,
			Handler: s.handleTransferLeadership,
		},

		{
			Method:  http.MethodPut,
			Path:    api.PathClusterRPCPing,
			MaxBody: int64(maxRPCBody),
			Timeout: 15 * time.Second,
			Handler: s.handlePingRPC,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathClusterRPCVote,
			MaxBody: int64(1 * mem.KB),
			Timeout: 15 * time.Second,
			Handler: s.handleVoteRPC,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathClusterRPCInitiateVote,
			MaxBody: 0,
			Timeout: 15 * time.Second,
			Handler: s.handleInitiateVoteRPC,
		},
		{
			Method:  http.MethodPut,
			Path:    api.PathReplPage,
			MaxBody: int64(1 * mem.MB),
			Timeout: 30 * time.Second,
			Handler: s.handleReplPage,
		},
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	state := s.node.State()
	response := api.StatusResponse{
		ID:         s.id,
		Addr:       s.addr.String(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		UpTime:     uint64(time.Since(s.startTime).Round(time.Second).Seconds()),
		CPUs:       runtime.NumCPU(),
		UsableCPUs: runtime.GOMAXPROCS(0),
		HeapAlloc:  memStats.HeapAlloc,
		StackAlloc: memStats.StackSys,

		Role:             state.Role.String(),
		Leader:           state.Leader,
		SchemaGeneration: s.store.Schema().Generation(),
	}
	err := s.store.View(func(tx *bolt.Tx) error {
		stats, err := s.store.Stats(tx)
		if err != nil {
			return err
		}
		response.Entries, response.HighestUSN = stats.Entries, stats.HighestUSN
		return nil
	})
	if err != nil {
		return apiError(err)
	}
	watchStats := s.watch.Stats()
	response.Revision, response.Sessions = watchStats.Revision, watchStats.Sessions

	return writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) error {
	contentType := expfmt.Negotiate(r.Header)
	w.Header().Set(headers.ContentType, string(contentType))
	w.WriteHeader(http.StatusOK)

	if err := s.metrics.EncodeTo(expfmt.NewEncoder(w, contentType)); err != nil {
		s.log.Error("lwdir: failed to encode metrics", "err", err)
	}
	return nil
}

func (s *Server) handleListAPIs(w http.ResponseWriter, r *http.Request) error {
	apis := s.router.API()
	response := make(api.ListAPIsResponse, 0, len(apis))
	for _, a := range apis {
		response = append(response, api.DescribeRouteResponse{
			Method:  a.Method,
			Path:    a.Path,
			MaxBody: a.MaxBody,
			Timeout: int64(a.Timeout.Truncate(time.Second).Seconds()),
		})
	}
	return writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set(headers.ContentType, headers.ContentTypeBinary)
	w.WriteHeader(http.StatusOK)

	if _, err := s.store.Backup(w); err != nil {
		s.log.Error("lwdir: failed to write backup", "err", err)
	}
	return nil
}

func (s *Server) handleErrorLog(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set(headers.ContentType, headers.ContentTypeJSONLines)
	w.WriteHeader(http.StatusOK)
	http.NewResponseController(w).Flush()

	cancel := s.handler.Subscribe(api.NewLogWriter(w))
	defer cancel()

	<-r.Context().Done() // Wait for the client to close the connection
	return nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) error {
	dn, err := cutDN(r, api.PathEntry)
	if err != nil {
		return err
	}

	var e *entry.Entry
	if err = s.store.View(func(tx *bolt.Tx) error {
		e, err = s.store.Get(tx, dn)
		return err
	}); err != nil {
		return apiError(err)
	}
	return writeJSON(w, http.StatusOK, entryResponse(e))
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) error {
	dn, err := cutDN(r, api.PathEntry)
	if err != nil {
		return err
	}
	var req api.AddEntryRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if len(req.Attributes) == 0 {
		return ErrInvalidParameter.withDetail("entry has no attributes")
	}

	e := &entry.Entry{
		DN:   dn,
		GUID: uuid.New(),
	}
	for _, attr := range req.Attributes {
		if attr.Name == "" || len(attr.Values) == 0 {
			return ErrInvalidParameter.withDetail("attribute without name or values")
		}
		e.Set(attr.Name, attr.Values...)
	}
	origin, err := s.origin()
	if err != nil {
		return err
	}
	if err = s.propose(r.Context(), &addEntryCmd{Origin: origin, Entry: e}); err != nil {
		return s.referOrFail(w, r, err)
	}
	return s.writeEntry(w, dn)
}

func (s *Server) handleModifyEntry(w http.ResponseWriter, r *http.Request) error {
	dn, err := cutDN(r, api.PathEntry)
	if err != nil {
		return err
	}
	var req api.ModifyEntryRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if len(req.Modifications) == 0 {
		return ErrInvalidParameter.withDetail("no modifications")
	}

	mods := make([]entry.Modification, 0, len(req.Modifications))
	for _, m := range req.Modifications {
		op, ok := entry.ParseModOp(m.Op)
		if !ok {
			return ErrInvalidParameter.withDetail("invalid modification '" + m.Op + "'")
		}
		if m.Name == "" {
			return ErrInvalidParameter.withDetail("modification without attribute name")
		}
		mods = append(mods, entry.Modification{
			Op:        op,
			Attribute: entry.Attribute{Name: m.Name, Values: m.Values},
		})
	}
	origin, err := s.origin()
	if err != nil {
		return err
	}
	if err = s.propose(r.Context(), &modifyEntryCmd{Origin: origin, DN: dn, Mods: mods}); err != nil {
		return s.referOrFail(w, r, err)
	}
	return s.writeEntry(w, dn)
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) error {
	dn, err := cutDN(r, api.PathEntry)
	if err != nil {
		return err
	}
	origin, err := s.origin()
	if err != nil {
		return err
	}
	if err = s.propose(r.Context(), &deleteEntryCmd{Origin: origin, DN: dn}); err != nil {
		return s.referOrFail(w, r, err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	base, err := api.CutPath(r.URL, api.PathSearch, api.IsValidDN)
	if err != nil {
		return err
	}
	if base, err = entry.Normalize(base); err != nil {
		return apiError(err)
	}
	class := r.URL.Query().Get("objectclass")

	response := api.SearchResponse{Entries: []api.EntryResponse{}}
	err = s.store.View(func(tx *bolt.Tx) error {
		return s.store.Search(tx, base, func(e *entry.Entry) error {
			if class == "" || e.HasObjectClass(class) {
				response.Entries = append(response.Entries, *entryResponse(e))
			}
			return nil
		})
	})
	if err != nil {
		return apiError(err)
	}
	return writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) error {
	var req api.StartWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if err := api.IsValidDN(req.Base); err != nil {
		return err
	}

	filter := watch.Filter{ObjectClass: req.ObjectClass}
	for _, v := range req.Ops {
		op, ok := entry.ParseOp(v)
		if !ok {
			return ErrInvalidParameter.withDetail("invalid operation '" + v + "'")
		}
		filter.Ops = append(filter.Ops, op)
	}
	id, err := s.watch.StartWatch(req.Base, filter, req.StartRevision)
	if err != nil {
		return apiError(err)
	}
	return writeJSON(w, http.StatusOK, api.StartWatchResponse{ID: id})
}

func (s *Server) handlePollWatch(w http.ResponseWriter, r *http.Request) error {
	id, err := api.CutPath(r.URL, api.PathWatch, api.IsValidName)
	if err != nil {
		return err
	}

	query := r.URL.Query()
	limit, wait := 0, DefaultPollWait
	if v := query.Get("max"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return ErrInvalidParameter.withDetail("invalid max '" + v + "'")
		}
	}
	if v := query.Get("wait"); v != "" {
		if wait, err = time.ParseDuration(v); err != nil || wait < 0 {
			return ErrInvalidParameter.withDetail("invalid wait duration '" + v + "'")
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	result, err := s.watch.Poll(ctx, id, limit)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return apiError(err)
	}

	response := api.PollWatchResponse{
		Events:          make([]api.WatchEvent, 0, len(result.Events)),
		Revision:        result.Revision,
		CompactRevision: result.CompactRevision,
	}
	for _, event := range result.Events {
		response.Events = append(response.Events, api.WatchEvent{
			Revision:   event.Revision,
			Op:         event.Op.String(),
			DN:         event.DN,
			Before:     entryResponse(event.Before),
			After:      entryResponse(event.After),
			Successful: event.Successful,
		})
	}
	return writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCancelWatch(w http.ResponseWriter, r *http.Request) error {
	id, err := api.CutPath(r.URL, api.PathWatch, api.IsValidName)
	if err != nil {
		return err
	}
	if err = s.watch.Cancel(id); err != nil {
		return apiError(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) error {
	state := s.node.State()
	members := *s.members.Load()

	response := api.ClusterStatusResponse{
		ID:           state.ID,
		Role:         state.Role.String(),
		Term:         state.Term,
		Leader:       state.Leader,
		Ready:        state.Ready,
		CommitIndex:  state.CommitIndex,
		AppliedIndex: state.AppliedIndex,
		FirstIndex:   state.FirstIndex,
		LastIndex:    state.LastIndex,
		Elections:    state.Elections,
		Members:      make(map[string]string, len(members)),
	}
	for id, addr := range members {
		response.Members[id] = addr.String()
	}
	for _, p := range s.node.Peers() {
		response.Peers = append(response.Peers, api.PeerResponse{
			ID:          p.ID,
			Addr:        members[p.ID].String(),
			NextIndex:   p.NextIndex,
			MatchIndex:  p.MatchIndex,
			MissedPings: p.MissedPings,
			Partitioned: p.Partitioned,
			LastContact: p.LastContact,
		})
	}

	agreements, err := s.repl.Agreements()
	if err != nil {
		return apiError(err)
	}
	status := make(map[string]repl.Status)
	for _, st := range s.repl.Status() {
		status[st.Partner] = st
	}
	for _, a := range agreements {
		st := status[a.Partner]
		delete(status, a.Partner)
		response.Agreements = append(response.Agreements, api.AgreementResponse{
			Partner:       a.Partner,
			LastUSN:       a.LastUSN,
			Applied:       a.Applied,
			OutOfSequence: a.OutOfSequence,
			LastCycle:     st.LastCycle,
			LastError:     st.LastError,
			Pages:         st.Pages,
		})
	}
	partners := maps.Keys(status) // Partners without any applied page
	slices.Sort(partners)
	for _, id := range partners {
		st := status[id]
		response.Agreements = append(response.Agreements, api.AgreementResponse{
			Partner:   id,
			LastCycle: st.LastCycle,
			LastError: st.LastError,
			Pages:     st.Pages,
		})
	}

	if err = s.store.View(func(tx *bolt.Tx) error {
		utd, err := repl.LoadUTD(s.store, tx)
		if err != nil {
			return err
		}
		response.UTD = utd.String()
		return nil
	}); err != nil {
		return apiError(err)
	}
	return writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleJoinCluster(w http.ResponseWriter, r *http.Request) error {
	var req api.JoinClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if err := api.IsValidName(req.ID); err != nil {
		return err
	}
	addr, err := ParseAddr(req.Addr)
	if err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if err = s.propose(r.Context(), &joinClusterCmd{ID: req.ID, Addr: addr}); err != nil {
		return s.referOrFail(w, r, err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleLeaveCluster(w http.ResponseWriter, r *http.Request) error {
	var req api.LeaveClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if err := api.IsValidName(req.ID); err != nil {
		return err
	}
	if err := s.propose(r.Context(), &leaveClusterCmd{ID: req.ID}); err != nil {
		return s.referOrFail(w, r, err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleTransferLeadership(w http.ResponseWriter, r *http.Request) error {
	var req api.TransferLeadershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return ErrInvalidParameter.withDetail(err.Error())
	}
	if req.ID != "" {
		if err := api.IsValidName(req.ID); err != nil {
			return err
		}
	}
	id, err := s.node.StartVote(r.Context(), req.ID)
	if err != nil {
		return s.referOrFail(w, r, err)
	}
	return writeJSON(w, http.StatusOK, api.TransferLeadershipResponse{ID: id})
}

func (s *Server) handlePingRPC(w http.ResponseWriter, r *http.Request) error {
	var ping raft.Ping
	if err := readRPC(r, &ping); err != nil {
		return err
	}
	reply := s.node.HandlePing(&ping)
	return writeRPC(w, entry.Encode(raft.PingReplyEntry(reply)))
}

func (s *Server) handleVoteRPC(w http.ResponseWriter, r *http.Request) error {
	var vote raft.Vote
	if err := readRPC(r, &vote); err != nil {
		return err
	}
	reply := s.node.HandleVote(&vote)
	return writeRPC(w, entry.Encode(raft.VoteReplyEntry(reply)))
}

func (s *Server) handleInitiateVoteRPC(w http.ResponseWriter, r *http.Request) error {
	if err := s.node.InitiateVote(); err != nil {
		return apiError(err)
	}
	return writeRPC(w, nil)
}

func (s *Server) handleReplPage(w http.ResponseWriter, r *http.Request) error {
	var req repl.PageRequest
	if err := readRPC(r, &req); err != nil {
		return err
	}
	page, err := s.repl.PullPage(r.Context(), &req)
	if err != nil {
		return apiError(err)
	}
	b, err := xmsgp.Marshal(page)
	if err != nil {
		return apiError(err)
	}
	return writeRPC(w, b)
}

// referOrFail refers clients to the cluster leader if
// err indicates that the server is not the leader and
// the leader is known. Otherwise, it returns err as
// Error.
func (s *Server) referOrFail(w http.ResponseWriter, r *http.Request, err error) error {
	var notLeader *raft.NotLeaderError
	if !errors.As(err, &notLeader) || notLeader.Leader == "" {
		return apiError(err)
	}
	addr, ok := (*s.members.Load())[notLeader.Leader]
	if !ok {
		return apiError(err)
	}

	u := *r.URL
	u.Scheme, u.Host = "http", addr.String()
	w.Header().Set(headers.XLeader, notLeader.Leader)
	http.Redirect(w, r, u.String(), http.StatusTemporaryRedirect)
	return nil
}

// writeEntry writes the entry with the given DN.
func (s *Server) writeEntry(w http.ResponseWriter, dn string) error {
	var e *entry.Entry
	err := s.store.View(func(tx *bolt.Tx) (err error) {
		e, err = s.store.Get(tx, dn)
		return err
	})
	if err != nil {
		return apiError(err)
	}
	return writeJSON(w, http.StatusOK, entryResponse(e))
}

// cutDN returns the normalized DN following the API path.
func cutDN(r *http.Request, path string) (string, error) {
	dn, err := api.CutPath(r.URL, path, api.IsValidDN)
	if err != nil {
		return "", err
	}
	if dn, err = entry.Normalize(dn); err != nil {
		return "", apiError(err)
	}
	if dn == "" {
		return "", ErrInvalidDN.withDetail("DN is empty")
	}
	return dn, nil
}

func entryResponse(e *entry.Entry) *api.EntryResponse {
	if e == nil {
		return nil
	}
	response := &api.EntryResponse{
		DN:         e.DN,
		Attributes: make([]api.Attribute, 0, len(e.Attributes)),
		GUID:       e.GUID.String(),
		USN:        e.USN,
		Version:    e.Version,
		Origin: api.Origin{
			ServerID: e.Origin.ServerID,
			USN:      e.Origin.USN,
		},
	}
	for _, attr := range e.Attributes {
		response.Attributes = append(response.Attributes, api.Attribute{
			Name:   attr.Name,
			Values: attr.Values,
		})
	}
	return response
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set(headers.ContentType, headers.ContentTypeJSON)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
	return nil
}
