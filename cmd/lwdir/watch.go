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
	"strings"
	"time"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const watchCmdUsage = `Usage:
    lwdir watch [options] [<BASE>]

Options:
    --op <OP>                Only print changes of the given operation:
                             add, modify or delete. May be repeated.
    --class <NAME>           Only print changes of entries of the given
                             object class.
    --rev <REVISION>         Print changes starting at REVISION. By default,
                             only changes made after the watch started
                             are printed.
    --wait <DURATION>        Max. time the server waits for changes before
                             answering a poll. (default: 30s)

    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print changes in JSON format.
    -h, --help               Print command line options.

Watches changes of the BASE entry and all entries below it. If BASE is
omitted, all changes are watched. Watch sessions are bound to a single
server. If multiple servers are specified, the first one is used.

Examples:
    $ lwdir watch dc=example --op add --op delete --class person
`

func watchCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, watchCmdUsage) }

	var (
		opFlags    []string
		classFlag  string
		revFlag    uint64
		waitFlag   time.Duration
		serverFlag string
		jsonFlag   bool
	)
	cmd.StringSliceVar(&opFlags, "op", nil, "Only print changes of the given operation")
	cmd.StringVar(&classFlag, "class", "", "Only print changes of entries of the given object class")
	cmd.Uint64Var(&revFlag, "rev", 0, "Print changes starting at the revision")
	cmd.DurationVar(&waitFlag, "wait", 30*time.Second, "Max. time the server waits for changes")
	flagsServer(cmd, &serverFlag)
	flagsOutputJSON(cmd, &jsonFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir watch --help'", err)
	}
	if cmd.NArg() > 1 {
		cli.Fatal("too many arguments. See 'lwdir watch --help'")
	}

	ops, err := parseOps(opFlags)
	if err != nil {
		cli.Fatalf("%v. See 'lwdir watch --help'", err)
	}

	client := newClient(serverFlag)
	client.Endpoints = client.Endpoints[:1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	id, err := client.Watch(ctx, &lwdir.WatchOptions{
		Base:          cmd.Arg(0),
		Ops:           ops,
		ObjectClass:   classFlag,
		StartRevision: revFlag,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to start watch: %v", err)
	}
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		client.CancelWatch(cancelCtx, id)
	}()

	var (
		encoder   = json.NewEncoder(os.Stdout)
		printJSON = jsonFlag || !cli.IsTerminal()
		revStyle  = tui.NewStyle().Faint(true)
		dnStyle   = tui.NewStyle().Foreground(tui.AdaptiveColor{Light: "#2E42D1", Dark: "#2e8bc0"})
		opStyles  = map[string]tui.Style{
			lwdir.OpAdd:    tui.NewStyle().Foreground(tui.Color("#00ff00")).Width(4),
			lwdir.OpModify: tui.NewStyle().Foreground(tui.Color("#ffaa00")).Width(4),
			lwdir.OpDelete: tui.NewStyle().Foreground(tui.Color("#ff0000")).Width(4),
		}
	)
	for {
		result, err := client.PollWatch(ctx, id, &lwdir.PollOptions{Wait: waitFlag})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			cli.Fatalf("failed to poll watch: %v", err)
		}
		for _, event := range result.Events {
			if printJSON {
				if err := encoder.Encode(event); err != nil {
					cli.Fatal(err)
				}
				continue
			}

			var buf cli.Buffer
			buf.Stylef(revStyle, "%8d  ", event.Revision)
			buf.Stylef(opStyles[event.Op], "%s", event.Op)
			buf.Sprint("  ").Stylef(dnStyle, "%s", event.DN)
			if !event.Successful {
				buf.Styleln(revStyle, "  [ undecodable ]")
			} else {
				buf.Sprintln()
			}
			cli.Print(buf.String())
		}
	}
}

// parseOps converts the operation names accepted on the
// command line to watch event operations.
func parseOps(names []string) ([]string, error) {
	ops := make([]string, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "add":
			ops = append(ops, lwdir.OpAdd)
		case "mod", "modify":
			ops = append(ops, lwdir.OpModify)
		case "del", "delete":
			ops = append(ops, lwdir.OpDelete)
		default:
			return nil, fmt.Errorf("invalid operation '%s'", name)
		}
	}
	return ops, nil
}
