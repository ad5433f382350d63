// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
	"golang.org/x/exp/slices"
)

const metricCmdUsage = `Usage:
    lwdir metric [options]

Options:
    --rate <DURATION>        Scrap rate when monitoring metrics. (default: 5s)

    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options.
`

func metricCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, metricCmdUsage) }

	var (
		rate       time.Duration
		serverFlag string
	)
	cmd.DurationVar(&rate, "rate", 5*time.Second, "Scrap rate when monitoring metrics")
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir metric --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'lwdir metric --help'")
	}
	if rate <= 0 {
		cli.Fatal("scrap rate must be positive. See 'lwdir metric --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	var (
		encoder  = json.NewEncoder(os.Stdout)
		requestN uint64
	)
	for {
		metric, err := client.Metrics(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			cli.Fatalf("failed to fetch metrics: %v", err)
		}
		if cli.IsTerminal() {
			var reqRate float64
			if requestN > 0 {
				reqRate = float64(metric.RequestN()-requestN) / rate.Seconds()
			}
			printMetric(client, &metric, reqRate)
		} else {
			encoder.Encode(metric)
		}
		requestN = metric.RequestN()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func printMetric(client *lwdir.Client, metric *lwdir.Metric, reqRate float64) {
	var (
		green  = color.New(color.FgGreen)
		yellow = color.New(color.FgYellow)
		red    = color.New(color.FgRed)
		bold   = color.New(color.Bold)
	)
	const ClearScreen = "\033[H\033[2J"

	fmt.Print(ClearScreen)
	if len(client.Endpoints) == 1 {
		fmt.Println(bold.Sprint(" Endpoint:       "), client.Endpoints[0])
	} else {
		fmt.Println(bold.Sprint(" Endpoints:      "), client.Endpoints)
	}
	fmt.Println(bold.Sprint(" UpTime:         "), metric.UpTime.Round(time.Second))
	fmt.Println()

	fmt.Println(green.Sprint(" Requests 2xx:   "), metric.Requests["2xx"])
	fmt.Println(yellow.Sprint(" Requests 4xx:   "), metric.Requests["4xx"])
	fmt.Println(red.Sprint(" Requests 5xx:   "), metric.Requests["5xx"])
	fmt.Println(bold.Sprint(" Active:         "), metric.RequestActive)
	fmt.Printf("%s %6.1f R/s\n", bold.Sprint(" Rate:           "), reqRate)
	fmt.Println(bold.Sprint(" Latency:        "), avgLatency(metric.LatencyHistogram).Round(time.Millisecond), "Ø")
	fmt.Println()

	fmt.Println(bold.Sprint(" Commits:        "), lwdir.OpAdd, metric.Commits[lwdir.OpAdd], lwdir.OpModify, metric.Commits[lwdir.OpModify], lwdir.OpDelete, metric.Commits[lwdir.OpDelete])
	fmt.Println(bold.Sprint(" Raft:           "), "term", metric.RaftTerm, "elections", metric.RaftElections)
	fmt.Println(bold.Sprint(" Watch:          "), metric.WatchSessions, "sessions", metric.WatchEvents, "events")
	fmt.Println(bold.Sprint(" Replication:    "), metric.ReplPages, "pages", metric.ReplApplied, "applied", metric.ReplOutOfSequence, "out of sequence")
	fmt.Println(bold.Sprint(" Error Events:   "), metric.ErrorEvents)
}

// avgLatency computes the arithmetic mean latency of
// a cumulative latency histogram.
func avgLatency(histogram map[time.Duration]uint64) time.Duration {
	latencies := make([]time.Duration, 0, len(histogram))
	for l := range histogram {
		latencies = append(latencies, l)
	}
	slices.Sort(latencies)

	var N uint64 // Total number of requests in the histogram
	if len(latencies) > 0 {
		N = histogram[latencies[len(latencies)-1]]
	}
	if N == 0 {
		return 0
	}

	var (
		avg float64
		n   uint64
	)
	for _, l := range latencies {
		avg += float64(l) * (float64(histogram[l]-n) / float64(N))
		n = histogram[l]
	}
	return time.Duration(avg)
}
