// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"testing"
	"time"
)

var avgLatencyTests = []struct {
	Histogram map[time.Duration]uint64
	Latency   time.Duration
}{
	{Histogram: nil, Latency: 0}, // 0
	{ // 1
		Histogram: map[time.Duration]uint64{10 * time.Millisecond: 0, 50 * time.Millisecond: 0},
		Latency:   0,
	},
	{ // 2
		Histogram: map[time.Duration]uint64{10 * time.Millisecond: 4, 50 * time.Millisecond: 4},
		Latency:   10 * time.Millisecond,
	},
	{ // 3
		Histogram: map[time.Duration]uint64{10 * time.Millisecond: 2, 50 * time.Millisecond: 4},
		Latency:   30 * time.Millisecond,
	},
}

func TestAvgLatency(t *testing.T) {
	for i, test := range avgLatencyTests {
		if latency := avgLatency(test.Histogram); latency != test.Latency {
			t.Fatalf("Test %d: got '%v' - want '%v'", i, latency, test.Latency)
		}
	}
}
