// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const statusCmdUsage = `Usage:
    lwdir status [options]

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print status in JSON format.
    -h, --help               Print command line options.
`

func statusCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, statusCmdUsage) }

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
		cli.Fatalf("%v. See 'lwdir status --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'lwdir status --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	start := time.Now()
	status, err := client.Status(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatal(err)
	}
	latency := time.Since(start)

	if jsonFlag || !cli.IsTerminal() {
		json.NewEncoder(os.Stdout).Encode(status)
		return
	}

	boldBlue := color.New(color.Bold, color.FgBlue)
	fmt.Println(color.GreenString("●  ") + boldBlue.Sprint(strings.TrimPrefix(client.Endpoints[0], "http://")))
	switch {
	case status.UpTime > 24*time.Hour:
		fmt.Printf("   UpTime:   %.f days %.f hours\n", status.UpTime.Hours()/24, math.Mod(status.UpTime.Hours(), 24))
	case status.UpTime > 1*time.Hour:
		fmt.Printf("   UpTime:   %.f hours\n", status.UpTime.Hours())
	case status.UpTime > 1*time.Minute:
		fmt.Printf("   UpTime:   %.f minutes\n", status.UpTime.Minutes())
	default:
		fmt.Printf("   UpTime:   %.f seconds\n", status.UpTime.Seconds())
	}
	fmt.Println("   Latency: ", latency.Round(time.Millisecond))
	fmt.Println("   Server:  ", status.ID, "("+status.Role+")")
	if status.Leader != "" && status.Leader != status.ID {
		fmt.Println("   Leader:  ", status.Leader)
	}
	fmt.Println("   Entries: ", status.Entries)
	fmt.Println("   USN:     ", status.HighestUSN)
	fmt.Println("   Watches: ", status.Sessions, "sessions at revision", status.Revision)
}
