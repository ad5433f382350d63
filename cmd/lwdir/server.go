// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/minio/lwdir"
	"github.com/minio/lwdir/dirconf"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const serverCmdUsage = `Usage:
    lwdir server [options] <PATH>

Options:
    --config <PATH>          Path to the server configuration file.
    --addr <IP:PORT>         The network interface the server listens on.
                             It takes precedence over the config file.
                             If omitted, the server listens on all interfaces
                             on the port it has been initialized with.

    -q, --quiet              Do not print information on startup.
    -h, --help               Print command line options.

Starts a directory server using the database within PATH. The
directory must have been initialized with 'lwdir init'.

Examples:
    $ lwdir init --id node-1 --addr 127.0.0.1:7373 --bootstrap ~/lwdir
    $ lwdir server --config server.yml ~/lwdir
`

func serverCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, serverCmdUsage) }

	var (
		configFile string
		addrFlag   string
		quietFlag  bool
	)
	cmd.StringVar(&configFile, "config", "", "Path to the server configuration file")
	cmd.StringVar(&addrFlag, "addr", "", "The network interface the server listens on")
	cmd.BoolVarP(&quietFlag, "quiet", "q", false, "Do not print information on startup")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir server --help'", err)
	}

	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no server directory specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir server --help'")
	}
	dir := cmd.Arg(0)

	file := new(dirconf.File)
	if configFile != "" {
		var err error
		if file, err = dirconf.ReadServerConfigYAML(configFile); err != nil {
			cli.Fatalf("failed to read config file: %v", err)
		}
	}
	config, err := file.Config()
	if err != nil {
		cli.Fatalf("invalid config file '%s': %v", configFile, err)
	}
	if cmd.Changed("addr") {
		config.Addr = addrFlag
	}

	info, err := lwdir.ReadNodeInfo(dir)
	if err != nil {
		cli.Fatalf("failed to open '%s': %v. See 'lwdir init --help'", dir, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !quietFlag {
		cli.PrintStartupMessage(info, config.Partners)
	}

	srv := new(lwdir.Server)
	if err = srv.Start(ctx, dir, config); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cli.Fatal(err)
	}
}
