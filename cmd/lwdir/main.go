// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const usage = `Usage:
    lwdir [options] <command>

Commands:
    server                   Start a directory server.
    init                     Initialize a directory server.

    status                   Print server status information.
    entry                    Add, modify, delete and search entries.
    watch                    Watch entry changes.
    cluster                  Manage the directory cluster.
    backup                   Create a database backup.
    log                      Print error logs.
    metric                   Print server metrics.

Options:
    -v, --version            Print version information.
        --color <when>       Specify when to use colored output. The automatic
                             mode only enables colors if an interactive terminal
                             is detected - colors are automatically disabled if
                             the output goes to a pipe.
                             Possible values: *auto*, never, always.
    -h, --help               Print command line options.
`

type commands = map[string]func([]string)

func main() {
	cmd := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	cmd.SetInterspersed(false)

	subCmds := commands{
		"server":  serverCmd,
		"init":    initCmd,
		"status":  statusCmd,
		"entry":   entryCmd,
		"watch":   watchCmd,
		"cluster": clusterCmd,
		"backup":  backupCmd,
		"log":     logCmd,
		"metric":  metricCmd,
	}

	var (
		showVersion bool
		color       colorOption
	)
	cmd.BoolVarP(&showVersion, "version", "v", false, "Print version information")
	cmd.Var(&color, "color", "Specify when to use colored output")
	if err := cmd.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir --help'", err)
	}

	if showVersion {
		info := cli.BinaryInfo()
		cli.Printf("lwdir %s (commit=%s)\n", info.Version, info.CommitID)
		return
	}
	if cmd.NArg() == 0 {
		cmd.Usage()
		os.Exit(2)
	}

	args := cmd.Args()
	if subCmd, ok := subCmds[args[0]]; ok {
		subCmd(args)
		return
	}
	cli.Fatalf("%q is not an lwdir command. See 'lwdir --help'", args[0])
}

// newClient returns a new Client for the comma-separated
// list of server endpoints. If empty, the endpoints are
// read from the environment.
func newClient(servers string) *lwdir.Client {
	if servers == "" {
		servers = cli.Env(cli.EnvServer)
	}
	endpoints := cli.Endpoints(servers)

	client := lwdir.NewClient(endpoints[0])
	client.Endpoints = endpoints
	return client
}
