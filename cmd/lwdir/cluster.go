// Copyright 2023 - MinIO, Inc. All rights reserved.
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
	"strconv"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const clusterCmdUsage = `Usage:
    lwdir cluster <command>

Commands:
    info                     Get information about a cluster
    join                     Expand a cluster by adding a server
    leave                    Shrink a cluster by removing a server
    transfer                 Transfer the cluster leadership

Options:
    -h, --help               Print command line options

Examples:
  1. Add the server 'node-3' listening on '10.1.2.3:7373' to the cluster.
     $ lwdir cluster join node-3 10.1.2.3:7373

  2. Fetch some information about the cluster.
     $ lwdir cluster info

  3. Remove the server 'node-3' from the cluster.
     $ lwdir cluster leave node-3
`

func clusterCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, clusterCmdUsage) }

	subCmds := commands{
		"info":     describeClusterCmd,
		"join":     joinClusterCmd,
		"leave":    leaveClusterCmd,
		"transfer": transferLeadershipCmd,
	}

	if len(args) < 2 {
		cmd.Usage()
		os.Exit(2)
	}
	if cmd, ok := subCmds[args[1]]; ok {
		cmd(args[1:])
		return
	}

	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir cluster --help'", err)
	}
	cmd.Usage()
	os.Exit(2)
}

const joinClusterCmdUsage = `Usage:
    lwdir cluster join [options] <ID> <HOST:PORT>

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options

The server must have been initialized with 'lwdir init' without
the --bootstrap flag.

Examples:
  1. Add the server 'node-3' listening on '10.1.2.3:7373' to the cluster.
     $ lwdir cluster join node-3 10.1.2.3:7373
`

func joinClusterCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, joinClusterCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir cluster join --help'", err)
	}

	switch {
	case cmd.NArg() < 2:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no server ID or address specified")
	case cmd.NArg() > 2:
		cli.Fatal("too many arguments. See 'lwdir cluster join --help'")
	}

	id := cmd.Arg(0)
	addr, err := lwdir.ParseAddr(cmd.Arg(1))
	if err != nil {
		cli.Fatal(err)
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	if err := client.JoinCluster(ctx, id, addr); err != nil {
		if errors.Is(err, context.Canceled) {
			cancel()
			os.Exit(1)
		}
		cli.Fatalf("failed to add server '%s': %v", id, err)
	}
}

const leaveClusterCmdUsage = `Usage:
    lwdir cluster leave [options] <ID>

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options

The leader cannot be removed. Transfer the leadership to another
server first.

Examples:
  1. Remove the server 'node-3' from the cluster.
     $ lwdir cluster leave node-3
`

func leaveClusterCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, leaveClusterCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir cluster leave --help'", err)
	}

	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no server ID specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir cluster leave --help'")
	}

	id := cmd.Arg(0)
	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	if err := client.LeaveCluster(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) {
			cancel()
			os.Exit(1)
		}
		cli.Fatalf("failed to remove server '%s': %v", id, err)
	}
}

const transferLeadershipCmdUsage = `Usage:
    lwdir cluster transfer [options] <ID>

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options

Examples:
  1. Make 'node-2' the new cluster leader.
     $ lwdir cluster transfer node-2
`

func transferLeadershipCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, transferLeadershipCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir cluster transfer --help'", err)
	}

	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no server ID specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir cluster transfer --help'")
	}

	id := cmd.Arg(0)
	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	leader, err := client.TransferLeadership(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			cancel()
			os.Exit(1)
		}
		cli.Fatalf("failed to transfer leadership to '%s': %v", id, err)
	}
	if leader != id {
		cli.Fatalf("leadership has been taken over by '%s'", leader)
	}
}

const describeClusterCmdUsage = `Usage:
    lwdir cluster info [options]

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print result in JSON format

    -h, --help               Print command line options

Examples:
  1. Fetch some information about the cluster.
     $ lwdir cluster info
`

func describeClusterCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, describeClusterCmdUsage) }

	var (
		serverFlag string
		jsonFlag   bool
	)
	flagsServer(cmd, &serverFlag)
	flagsOutputJSON(cmd, &jsonFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir cluster info --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'lwdir cluster info --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	info, err := client.ClusterStatus(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			cancel()
			os.Exit(1)
		}
		cli.Fatalf("failed to fetch cluster info: %v", err)
	}
	cancel()

	if jsonFlag {
		encoder := json.NewEncoder(os.Stdout)
		if cli.IsTerminal() {
			encoder.SetIndent("", "  ")
		}
		if err := encoder.Encode(info); err != nil {
			cli.Fatalf("failed to fetch cluster info: %v", err)
		}
		return
	}

	matchIndex := make(map[string]uint64, len(info.Peers))
	for _, p := range info.Peers {
		matchIndex[p.ID] = p.MatchIndex
	}

	ids := maps.Keys(info.Members)
	slices.Sort(ids)
	headerStyle := tui.NewStyle().Bold(true).Underline(true)

	var buf cli.Buffer
	buf.Sprintf("Term %d, commit index %d, applied index %d", info.Term, info.CommitIndex, info.AppliedIndex).Sprintln().Sprintln()
	buf.Stylef(headerStyle, "%-12s │ %-10s │ %-22s │ %-8s", "ID", "Role", "Address", "Match").Sprintln()
	for _, id := range ids {
		role, match := "follower", "-"
		if id == info.Leader {
			role, match = "leader", strconv.FormatUint(info.LastIndex, 10)
		} else if n, ok := matchIndex[id]; ok {
			match = strconv.FormatUint(n, 10)
		}
		buf.Sprintf(" %-11s │ %-10s │ %-22s │ %s", id, role, info.Members[id], match).Sprintln()
	}
	if len(info.Agreements) > 0 {
		buf.Sprintln()
		buf.Stylef(headerStyle, "%-12s │ %-10s │ %-10s │ %-22s", "Partner", "USN", "Applied", "Last Error").Sprintln()
		for _, a := range info.Agreements {
			buf.Sprintf(" %-11s │ %-10d │ %-10d │ %s", a.Partner, a.LastUSN, a.Applied, a.LastError).Sprintln()
		}
	}
	cli.Print(buf.String())
}
