// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"aead.dev/mem"
	"github.com/minio/lwdir/internal/api"
	"github.com/minio/lwdir/internal/headers"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Client is a directory server client. Usually, a new
// client is instantiated via the NewClient function.
//
// Read requests are sent to any of the Endpoints. Write
// requests sent to a follower are redirected to the
// cluster leader. Requests that fail since the cluster
// is electing a new leader are retried.
type Client struct {
	// Endpoints contains one or multiple directory server
	// endpoints. For example: http://127.0.0.1:7373
	//
	// Multiple endpoints should point to different
	// members of the same cluster.
	Endpoints []string

	// HTTPClient is the HTTP client.
	//
	// The HTTP client uses its http.RoundTripper
	// to send requests resp. receive responses.
	//
	// It must not be modified concurrently.
	HTTPClient http.Client

	lb loadBalancer
}

// NewClient returns a new Client for the given server
// endpoint. It uses an http.Transport with reasonable
// defaults.
func NewClient(endpoint string) *Client {
	return &Client{
		Endpoints: []string{endpoint},
		HTTPClient: http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Status returns the current state of the server.
func (c *Client) Status(ctx context.Context) (State, error) {
	const MaxResponseSize = 1 * mem.MB

	var response api.StatusResponse
	if err := c.getJSON(ctx, api.PathStatus, MaxResponseSize, &response); err != nil {
		return State{}, err
	}
	return State{
		ID:               response.ID,
		Addr:             response.Addr,
		OS:               response.OS,
		Arch:             response.Arch,
		UpTime:           time.Duration(response.UpTime) * time.Second,
		CPUs:             response.CPUs,
		UsableCPUs:       response.UsableCPUs,
		HeapAlloc:        response.HeapAlloc,
		StackAlloc:       response.StackAlloc,
		Role:             response.Role,
		Leader:           response.Leader,
		Entries:          response.Entries,
		HighestUSN:       response.HighestUSN,
		SchemaGeneration: response.SchemaGeneration,
		Revision:         response.Revision,
		Sessions:         response.Sessions,
	}, nil
}

// APIs returns a list of all API endpoints supported
// by the server.
func (c *Client) APIs(ctx context.Context) ([]API, error) {
	const MaxResponseSize = 1 * mem.MB

	var response api.ListAPIsResponse
	if err := c.getJSON(ctx, api.PathListAPIs, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	apis := make([]API, 0, len(response))
	for _, a := range response {
		apis = append(apis, API{
			Method:  a.Method,
			Path:    a.Path,
			MaxBody: a.MaxBody,
			Timeout: time.Second * time.Duration(a.Timeout),
		})
	}
	return apis, nil
}

// GetEntry returns the entry with the given DN.
//
// It returns ErrNoSuchObject if no such entry exists.
func (c *Client) GetEntry(ctx context.Context, dn string) (*Entry, error) {
	const MaxResponseSize = 4 * mem.MB

	var response api.EntryResponse
	if err := c.getJSON(ctx, join(api.PathEntry, dn), MaxResponseSize, &response); err != nil {
		return nil, err
	}
	return newEntry(&response), nil
}

// AddEntry adds a new entry with the given DN and
// attributes and returns the stored entry.
//
// It returns ErrAlreadyExists if an entry with the
// same DN exists and ErrSchemaViolation if the
// entry violates the directory schema.
func (c *Client) AddEntry(ctx context.Context, dn string, attributes ...Attribute) (*Entry, error) {
	const MaxResponseSize = 4 * mem.MB

	req := api.AddEntryRequest{
		Attributes: make([]api.Attribute, 0, len(attributes)),
	}
	for _, attr := range attributes {
		req.Attributes = append(req.Attributes, api.Attribute{Name: attr.Name, Values: attr.Values})
	}

	var response api.EntryResponse
	if err := c.sendJSON(ctx, http.MethodPut, join(api.PathEntry, dn), req, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	return newEntry(&response), nil
}

// ModifyEntry applies the modifications, in order, to
// the entry with the given DN and returns the modified
// entry. Either all or none of the modifications are
// applied.
func (c *Client) ModifyEntry(ctx context.Context, dn string, mods ...Modification) (*Entry, error) {
	const MaxResponseSize = 4 * mem.MB

	req := api.ModifyEntryRequest{
		Modifications: make([]api.Modification, 0, len(mods)),
	}
	for _, mod := range mods {
		req.Modifications = append(req.Modifications, api.Modification{
			Op:     string(mod.Op),
			Name:   mod.Name,
			Values: mod.Values,
		})
	}

	var response api.EntryResponse
	if err := c.sendJSON(ctx, http.MethodPatch, join(api.PathEntry, dn), req, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	return newEntry(&response), nil
}

// DeleteEntry deletes the entry with the given DN.
//
// It returns ErrNoSuchObject if no such entry exists.
func (c *Client) DeleteEntry(ctx context.Context, dn string) error {
	return c.sendJSON(ctx, http.MethodDelete, join(api.PathEntry, dn), nil, 0, nil)
}

// Search returns the entry with the DN base, if any, and
// all entries below base. If objectClass is not empty,
// only entries of this object class are returned.
func (c *Client) Search(ctx context.Context, base, objectClass string) ([]*Entry, error) {
	const MaxResponseSize = 64 * mem.MB

	apiPath := join(api.PathSearch, base)
	if objectClass != "" {
		apiPath += "?objectclass=" + url.QueryEscape(objectClass)
	}
	var response api.SearchResponse
	if err := c.getJSON(ctx, apiPath, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(response.Entries))
	for i := range response.Entries {
		entries = append(entries, newEntry(&response.Entries[i]))
	}
	return entries, nil
}

// Watch starts a new watch session at the server and
// returns its ID. Watch sessions are local to a server.
// Hence, subsequent polls must be sent to the same
// server.
func (c *Client) Watch(ctx context.Context, opts *WatchOptions) (string, error) {
	const MaxResponseSize = 1 * mem.KB

	var req api.StartWatchRequest
	if opts != nil {
		req = api.StartWatchRequest{
			Base:          opts.Base,
			Ops:           opts.Ops,
			ObjectClass:   opts.ObjectClass,
			StartRevision: opts.StartRevision,
		}
	}
	var response api.StartWatchResponse
	if err := c.sendJSON(ctx, http.MethodPost, api.PathWatchStart, req, MaxResponseSize, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

// PollWatch returns the next events of the watch session.
// It waits until new events are published or the wait
// duration has passed.
//
// It returns ErrSessionClosed if the session has been
// canceled or has expired and ErrCompacted if the
// session fell behind and events have been discarded.
func (c *Client) PollWatch(ctx context.Context, id string, opts *PollOptions) (*WatchResult, error) {
	const MaxResponseSize = 64 * mem.MB

	query := url.Values{}
	if opts != nil && opts.Max > 0 {
		query.Set("max", strconv.Itoa(opts.Max))
	}
	if opts != nil && opts.Wait > 0 {
		query.Set("wait", opts.Wait.String())
	}
	apiPath := join(api.PathWatch, id)
	if len(query) > 0 {
		apiPath += "?" + query.Encode()
	}

	var response api.PollWatchResponse
	if err := c.getJSON(ctx, apiPath, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	result := &WatchResult{
		Events:          make([]WatchEvent, 0, len(response.Events)),
		Revision:        response.Revision,
		CompactRevision: response.CompactRevision,
	}
	for _, event := range response.Events {
		result.Events = append(result.Events, WatchEvent{
			Revision:   event.Revision,
			Op:         event.Op,
			DN:         event.DN,
			Before:     newEntry(event.Before),
			After:      newEntry(event.After),
			Successful: event.Successful,
		})
	}
	return result, nil
}

// CancelWatch cancels the watch session.
func (c *Client) CancelWatch(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodDelete, join(api.PathWatch, id), nil, 0, nil)
}

// ClusterStatus returns the consensus and replication
// state of the server.
func (c *Client) ClusterStatus(ctx context.Context) (*ClusterState, error) {
	const MaxResponseSize = 4 * mem.MB

	var response api.ClusterStatusResponse
	if err := c.getJSON(ctx, api.PathClusterStatus, MaxResponseSize, &response); err != nil {
		return nil, err
	}
	state := &ClusterState{
		ID:           response.ID,
		Role:         response.Role,
		Term:         response.Term,
		Leader:       response.Leader,
		Ready:        response.Ready,
		CommitIndex:  response.CommitIndex,
		AppliedIndex: response.AppliedIndex,
		FirstIndex:   response.FirstIndex,
		LastIndex:    response.LastIndex,
		Elections:    response.Elections,
		Members:      response.Members,
		UTD:          response.UTD,
	}
	for _, p := range response.Peers {
		state.Peers = append(state.Peers, Peer(p))
	}
	for _, a := range response.Agreements {
		state.Agreements = append(state.Agreements, Agreement(a))
	}
	return state, nil
}

// JoinCluster adds the server with the given ID and
// address to the cluster. The server must have been
// initialized without bootstrapping a new cluster.
func (c *Client) JoinCluster(ctx context.Context, id string, addr Addr) error {
	req := api.JoinClusterRequest{ID: id, Addr: addr.String()}
	return c.sendJSON(ctx, http.MethodPut, api.PathClusterJoin, req, 0, nil)
}

// LeaveCluster removes the server with the given ID
// from the cluster.
func (c *Client) LeaveCluster(ctx context.Context, id string) error {
	req := api.LeaveClusterRequest{ID: id}
	return c.sendJSON(ctx, http.MethodDelete, api.PathClusterLeave, req, 0, nil)
}

// TransferLeadership asks the cluster leader to hand
// over its leadership to the server with the given ID.
// If id is empty, the leader picks the follower with
// the most recent log. It returns the ID of the new
// leader candidate.
func (c *Client) TransferLeadership(ctx context.Context, id string) (string, error) {
	const MaxResponseSize = 1 * mem.KB

	var response api.TransferLeadershipResponse
	req := api.TransferLeadershipRequest{ID: id}
	if err := c.sendJSON(ctx, http.MethodPut, api.PathClusterTransfer, req, MaxResponseSize, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

// Backup writes a consistent snapshot of the server
// database to w. It returns the number of bytes written.
func (c *Client) Backup(ctx context.Context, w io.Writer) (int64, error) {
	client := retry(c.HTTPClient)
	resp, err := c.lb.Send(ctx, &client, http.MethodGet, c.Endpoints, api.PathBackup, nil, nil)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, parseErrorResponse(resp)
	}
	defer resp.Body.Close()

	return io.Copy(w, resp.Body)
}

// ErrorLog returns a stream of error events produced by
// the server. The stream does not contain any events
// that happened in the past.
func (c *Client) ErrorLog(ctx context.Context) (*ErrorStream, error) {
	client := retry(c.HTTPClient)
	resp, err := c.lb.Send(ctx, &client, http.MethodGet, c.Endpoints, api.PathLogError, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}
	return NewErrorStream(resp.Body), nil
}

// Metrics returns a server metric snapshot.
func (c *Client) Metrics(ctx context.Context) (Metric, error) {
	const MaxResponseSize = 1 * mem.MB

	client := retry(c.HTTPClient)
	resp, err := c.lb.Send(ctx, &client, http.MethodGet, c.Endpoints, api.PathMetrics, nil, nil)
	if err != nil {
		return Metric{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Metric{}, parseErrorResponse(resp)
	}
	defer resp.Body.Close()

	const (
		MetricRequests          = "lwdir_http_requests"
		MetricRequestActive     = "lwdir_http_request_active"
		MetricResponseTime      = "lwdir_http_response_time"
		MetricCommits           = "lwdir_store_commits"
		MetricRaftRole          = "lwdir_raft_role"
		MetricRaftTerm          = "lwdir_raft_term"
		MetricRaftElections     = "lwdir_raft_elections"
		MetricWatchEvents       = "lwdir_watch_events"
		MetricWatchSessions     = "lwdir_watch_sessions"
		MetricReplPages         = "lwdir_repl_pages"
		MetricReplApplied       = "lwdir_repl_applied"
		MetricReplOutOfSequence = "lwdir_repl_out_of_sequence"
		MetricErrorEvents       = "lwdir_log_error_events"
		MetricSystemUpTime      = "lwdir_system_up_time"
	)

	metric := Metric{
		Requests: map[string]uint64{},
		Commits:  map[string]uint64{},
	}
	decoder := expfmt.NewDecoder(mem.LimitReader(resp.Body, MaxResponseSize), expfmt.ResponseFormat(resp.Header))
	for {
		var metricFamily dto.MetricFamily
		err := decoder.Decode(&metricFamily)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Metric{}, err
		}
		if len(metricFamily.GetMetric()) == 0 {
			continue
		}

		var (
			name      = metricFamily.GetName()
			kind      = metricFamily.GetType()
			rawMetric = metricFamily.GetMetric()[0]
		)
		switch {
		case kind == dto.MetricType_COUNTER && name == MetricRequests:
			for _, m := range metricFamily.GetMetric() {
				metric.Requests[labelValue(m, "class")] = uint64(m.GetCounter().GetValue())
			}
		case kind == dto.MetricType_COUNTER && name == MetricCommits:
			for _, m := range metricFamily.GetMetric() {
				metric.Commits[labelValue(m, "op")] = uint64(m.GetCounter().GetValue())
			}
		case kind == dto.MetricType_GAUGE && name == MetricRequestActive:
			metric.RequestActive = uint64(rawMetric.GetGauge().GetValue())
		case kind == dto.MetricType_HISTOGRAM && name == MetricResponseTime:
			metric.LatencyHistogram = map[time.Duration]uint64{}
			for _, bucket := range rawMetric.GetHistogram().GetBucket() {
				if math.IsInf(bucket.GetUpperBound(), 0) { // Ignore the +Inf bucket
					continue
				}

				duration := time.Duration(1000*bucket.GetUpperBound()) * time.Millisecond
				metric.LatencyHistogram[duration] = bucket.GetCumulativeCount()
			}
			delete(metric.LatencyHistogram, 0) // Delete the artificial zero entry
		case kind == dto.MetricType_GAUGE && name == MetricRaftRole:
			metric.RaftRole = uint64(rawMetric.GetGauge().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricRaftTerm:
			metric.RaftTerm = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricRaftElections:
			metric.RaftElections = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricWatchEvents:
			metric.WatchEvents = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_GAUGE && name == MetricWatchSessions:
			metric.WatchSessions = uint64(rawMetric.GetGauge().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricReplPages:
			metric.ReplPages = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricReplApplied:
			metric.ReplApplied = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricReplOutOfSequence:
			metric.ReplOutOfSequence = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_COUNTER && name == MetricErrorEvents:
			metric.ErrorEvents = uint64(rawMetric.GetCounter().GetValue())
		case kind == dto.MetricType_GAUGE && name == MetricSystemUpTime:
			metric.UpTime = time.Duration(rawMetric.GetGauge().GetValue()) * time.Second
		}
	}
	return metric, nil
}

// getJSON sends a GET request to the API path and decodes
// the JSON response into v.
func (c *Client) getJSON(ctx context.Context, apiPath string, maxSize mem.Size, v any) error {
	client := retry(c.HTTPClient)
	resp, err := c.lb.Send(ctx, &client, http.MethodGet, c.Endpoints, apiPath, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	defer resp.Body.Close()

	return json.NewDecoder(mem.LimitReader(resp.Body, maxSize)).Decode(v)
}

// sendJSON sends req, if not nil, as JSON body to the API
// path and decodes the JSON response into v, if not nil.
func (c *Client) sendJSON(ctx context.Context, method, apiPath string, req any, maxSize mem.Size, v any) error {
	var (
		body   io.ReadSeeker
		header http.Header
	)
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		header = http.Header{headers.ContentType: []string{headers.ContentTypeJSON}}
	}

	client := retry(c.HTTPClient)
	resp, err := c.lb.Send(ctx, &client, method, c.Endpoints, apiPath, body, header)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	defer resp.Body.Close()

	if v == nil {
		return nil
	}
	return json.NewDecoder(mem.LimitReader(resp.Body, maxSize)).Decode(v)
}

func newEntry(e *api.EntryResponse) *Entry {
	if e == nil {
		return nil
	}
	entry := &Entry{
		DN:           e.DN,
		Attributes:   make([]Attribute, 0, len(e.Attributes)),
		GUID:         e.GUID,
		USN:          e.USN,
		Version:      e.Version,
		OriginServer: e.Origin.ServerID,
		OriginUSN:    e.Origin.USN,
	}
	for _, attr := range e.Attributes {
		entry.Attributes = append(entry.Attributes, Attribute(attr))
	}
	return entry
}

func labelValue(m *dto.Metric, name string) string {
	for _, label := range m.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

// join joins the API path with the path-escaped argument.
func join(api, arg string) string {
	return path.Join(api, url.PathEscape(arg))
}

// endpoint returns an endpoint URL starting with the
// given endpoint followed by the path elements.
//
// For example:
//   - endpoint("http://127.0.0.1:7373", "v1/status")     => "http://127.0.0.1:7373/v1/status"
//   - endpoint("http://127.0.0.1:7373/", "/v1/entry/", "dc=example") => "http://127.0.0.1:7373/v1/entry/dc=example"
//
// Any leading or trailing whitespaces are removed from
// the endpoint before it is concatenated with the path
// elements.
//
// The path elements will not be URL-escaped.
func endpoint(endpoint string, elems ...string) string {
	endpoint = strings.TrimSpace(endpoint)
	endpoint = strings.TrimSuffix(endpoint, "/")

	if len(elems) > 0 && !strings.HasPrefix(elems[0], "/") {
		endpoint += "/"
	}
	return endpoint + path.Join(elems...)
}
