// Copyright 2020 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const logCmdUsage = `Usage:
    lwdir log [options]

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options.

Prints the error log events of the server until canceled.
Log streams are bound to a single server. If multiple servers
are specified, the first one is used.

Examples:
    $ lwdir log
`

func logCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, logCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir log --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'lwdir log --help'")
	}

	client := newClient(serverFlag)
	client.Endpoints = client.Endpoints[:1]

	ctx, cancelCtx := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancelCtx()

	stream, err := client.ErrorLog(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to connect to error log: %v", err)
	}
	defer stream.Close()

	printErrorLog(stream)
}

func printErrorLog(stream *lwdir.ErrorStream) {
	for stream.Next() {
		fmt.Println(stream.Message())
	}
	if err := stream.Close(); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatal(err)
	}
}
