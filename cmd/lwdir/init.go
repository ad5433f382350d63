// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const initCmdUsage = `Usage:
    lwdir init [options] <PATH>

Options:
    --id <ID>                The ID of the server within its cluster.
    --addr <HOST:PORT>       The address other cluster members and clients
                             use to reach the server.
    --bootstrap              Create a new cluster with the server as its only
                             member. Otherwise, the server waits until it gets
                             added to an existing cluster.

    -h, --help               Print command line options.

Examples:
  1. Initialize the first server of a new cluster.
     $ lwdir init --id node-1 --addr 10.1.2.1:7373 --bootstrap ~/lwdir

  2. Initialize a server and add it to the cluster.
     $ lwdir init --id node-2 --addr 10.1.2.2:7373 ~/lwdir
     $ lwdir cluster join node-2 10.1.2.2:7373
`

func initCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, initCmdUsage) }

	var (
		idFlag        string
		addrFlag      string
		bootstrapFlag bool
	)
	cmd.StringVar(&idFlag, "id", "", "The ID of the server within its cluster")
	cmd.StringVar(&addrFlag, "addr", "", "The address of the server")
	cmd.BoolVar(&bootstrapFlag, "bootstrap", false, "Create a new cluster")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir init --help'", err)
	}

	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no server directory specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir init --help'")
	case idFlag == "":
		cli.Fatal("no server ID specified. See 'lwdir init --help'")
	case addrFlag == "":
		cli.Fatal("no server address specified. See 'lwdir init --help'")
	}

	addr, err := lwdir.ParseAddr(addrFlag)
	if err != nil {
		cli.Fatal(err)
	}
	dir := cmd.Arg(0)
	if err = lwdir.Init(dir, idFlag, addr, bootstrapFlag); err != nil {
		cli.Fatalf("failed to initialize '%s': %v", dir, err)
	}

	if cli.IsTerminal() {
		var buf cli.Buffer
		buf.Stylef(tui.NewStyle().Foreground(tui.Color("#00ff00")), "Initialized server '%s' in %s", idFlag, dir).Sprintln()
		if !bootstrapFlag {
			buf.Sprintf("Add it to the cluster:\n  $ lwdir cluster join %s %s", idFlag, addr).Sprintln()
		}
		cli.Print(buf.String())
	}
}
