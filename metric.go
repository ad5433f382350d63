// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package lwdir

import "time"

// Metric is a directory server metric snapshot.
type Metric struct {
	// Requests is the number of served requests
	// partitioned by status class, like "2xx".
	Requests      map[string]uint64
	RequestActive uint64 // Requests that are currently active and haven't completed yet

	// Histogram of the server response latency.
	//
	// The histogram consists of n time buckets. Each
	// time bucket contains the number of responses
	// that took the time T or less. For example:
	//
	//   10ms │ 50ms │ 100ms │ 250ms │ 500ms │ ...
	//   ─────┼──────┼───────┼───────┼───────┼────
	//    100 │  115 │  121  │  126  │  130  │
	//
	//   Here, there were 100 responses that took
	//   10ms or less to generate. There were also
	//   115 responses that took 50ms or less.
	LatencyHistogram map[time.Duration]uint64

	// Commits is the number of committed entry changes
	// partitioned by operation.
	Commits map[string]uint64

	RaftRole      uint64 // 0: Follower, 1: Candidate, 2: Leader
	RaftTerm      uint64 // The current term of the server
	RaftElections uint64 // Elections started by the server

	WatchEvents   uint64 // Watch events published
	WatchSessions uint64 // Active watch sessions

	ReplPages         uint64 // Pages pulled from replication partners
	ReplApplied       uint64 // Partner changes applied
	ReplOutOfSequence uint64 // Partner changes received out of order

	ErrorEvents uint64        // Number of generated error events
	UpTime      time.Duration // The time the server has been up and running
}

// RequestN returns the total number of requests
// served so far.
func (m *Metric) RequestN() uint64 {
	var n uint64
	for _, v := range m.Requests {
		n += v
	}
	return n
}
