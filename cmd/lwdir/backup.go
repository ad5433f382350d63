// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const backupCmdUsage = `Usage:
    lwdir backup [options] <FILE>

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options.

Writes a consistent snapshot of the server database to FILE.
If FILE is '-', the snapshot is written to standard output.
A backup can be used as data directory database of a new
server.

Examples:
    $ lwdir backup lwdir.db
    $ lwdir backup - | gzip > lwdir.db.gz
`

func backupCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, backupCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir backup --help'", err)
	}
	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no backup file specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir backup --help'")
	}

	filename := cmd.Arg(0)
	if filename == "-" && cli.IsTerminal() {
		cli.Fatal("refusing to write backup to a terminal")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file := os.Stdout
	if filename != "-" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			cli.Fatalf("failed to create backup file: %v", err)
		}
		defer f.Close()
		file = f
	}

	n, err := client.Backup(ctx, file)
	if err != nil {
		if filename != "-" {
			os.Remove(filename)
		}
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to create backup: %v", err)
	}
	if err = file.Sync(); err != nil && filename != "-" {
		cli.Fatalf("failed to create backup: %v", err)
	}
	if filename != "-" && cli.IsTerminal() {
		cli.Printf("Wrote %d bytes to %s\n", n, filename)
	}
}
