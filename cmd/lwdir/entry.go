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

	tui "github.com/charmbracelet/lipgloss"
	"github.com/minio/lwdir"
	"github.com/minio/lwdir/internal/cli"
	flag "github.com/spf13/pflag"
)

const entryCmdUsage = `Usage:
    lwdir entry <command>

Commands:
    add                      Add a new entry.
    get                      Print an entry.
    modify                   Modify the attributes of an entry.
    rm                       Delete an entry.
    search                   Search entries within a subtree.

Options:
    -h, --help               Print command line options.
`

func entryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, entryCmdUsage) }

	subCmds := commands{
		"add":    addEntryCmd,
		"get":    getEntryCmd,
		"modify": modifyEntryCmd,
		"rm":     deleteEntryCmd,
		"search": searchEntryCmd,
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
		cli.Fatalf("%v. See 'lwdir entry --help'", err)
	}
	cmd.Usage()
	os.Exit(2)
}

const addEntryCmdUsage = `Usage:
    lwdir entry add [options] <DN> <NAME=VALUE>...

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print the added entry in JSON format.
    -h, --help               Print command line options.

Attributes with multiple values are specified once per value.

Examples:
    $ lwdir entry add dc=example objectClass=domain dc=example
    $ lwdir entry add cn=alice,dc=example objectClass=person cn=alice sn=Smith
`

func addEntryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, addEntryCmdUsage) }

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
		cli.Fatalf("%v. See 'lwdir entry add --help'", err)
	}
	if cmd.NArg() < 2 {
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no DN or attributes specified")
	}

	attributes, err := parseAttributes(cmd.Args()[1:])
	if err != nil {
		cli.Fatalf("%v. See 'lwdir entry add --help'", err)
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	entry, err := client.AddEntry(ctx, cmd.Arg(0), attributes...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to add '%s': %v", cmd.Arg(0), err)
	}
	printEntries(jsonFlag, entry)
}

const getEntryCmdUsage = `Usage:
    lwdir entry get [options] <DN>

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print the entry in JSON format.
    -h, --help               Print command line options.

Examples:
    $ lwdir entry get cn=alice,dc=example
`

func getEntryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, getEntryCmdUsage) }

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
		cli.Fatalf("%v. See 'lwdir entry get --help'", err)
	}
	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no DN specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir entry get --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	entry, err := client.GetEntry(ctx, cmd.Arg(0))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to get '%s': %v", cmd.Arg(0), err)
	}
	printEntries(jsonFlag, entry)
}

const modifyEntryCmdUsage = `Usage:
    lwdir entry modify [options] <DN>

Options:
    --add <NAME=VALUE>       Add a value to an attribute.
    --replace <NAME=VALUE>   Replace all values of an attribute. Multiple
                             values of the same attribute replace its
                             values all at once.
    --delete <NAME[=VALUE]>  Delete a value or, if no value is given,
                             the entire attribute.

    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print the modified entry in JSON format.
    -h, --help               Print command line options.

All modifications are applied atomically in the order: add, replace, delete.

Examples:
    $ lwdir entry modify cn=alice,dc=example --replace sn=Jones --add mail=alice@example.com
    $ lwdir entry modify cn=alice,dc=example --delete telephoneNumber
`

func modifyEntryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, modifyEntryCmdUsage) }

	var (
		addFlags     []string
		replaceFlags []string
		deleteFlags  []string
		serverFlag   string
		jsonFlag     bool
	)
	cmd.StringArrayVar(&addFlags, "add", nil, "Add a value to an attribute")
	cmd.StringArrayVar(&replaceFlags, "replace", nil, "Replace all values of an attribute")
	cmd.StringArrayVar(&deleteFlags, "delete", nil, "Delete a value or an attribute")
	flagsServer(cmd, &serverFlag)
	flagsOutputJSON(cmd, &jsonFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir entry modify --help'", err)
	}
	switch {
	case cmd.NArg() == 0:
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no DN specified")
	case cmd.NArg() > 1:
		cli.Fatal("too many arguments. See 'lwdir entry modify --help'")
	}

	mods, err := parseModifications(addFlags, replaceFlags, deleteFlags)
	if err != nil {
		cli.Fatalf("%v. See 'lwdir entry modify --help'", err)
	}
	if len(mods) == 0 {
		cli.Fatal("no modification specified. See 'lwdir entry modify --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	entry, err := client.ModifyEntry(ctx, cmd.Arg(0), mods...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to modify '%s': %v", cmd.Arg(0), err)
	}
	printEntries(jsonFlag, entry)
}

const deleteEntryCmdUsage = `Usage:
    lwdir entry rm [options] <DN>...

Options:
    -s, --server <HOST:PORT> Use the server HOST[:PORT].
    -h, --help               Print command line options.

Examples:
    $ lwdir entry rm cn=alice,dc=example cn=bob,dc=example
`

func deleteEntryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, deleteEntryCmdUsage) }

	var serverFlag string
	flagsServer(cmd, &serverFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir entry rm --help'", err)
	}
	if cmd.NArg() == 0 {
		cmd.Usage()
		fmt.Fprintln(os.Stderr)
		cli.Fatal("no DN specified")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	for _, dn := range cmd.Args() {
		if err := client.DeleteEntry(ctx, dn); err != nil {
			if errors.Is(err, context.Canceled) {
				os.Exit(1)
			}
			cli.Fatalf("failed to delete '%s': %v", dn, err)
		}
	}
}

const searchEntryCmdUsage = `Usage:
    lwdir entry search [options] [<BASE>]

Options:
    --class <NAME>           Only list entries of the given object class.

    -s, --server <HOST:PORT> Use the server HOST[:PORT].
        --json               Print entries in JSON format.
    -h, --help               Print command line options.

Lists the BASE entry and all entries below it. If BASE is
omitted, all entries are listed.

Examples:
    $ lwdir entry search dc=example --class person
`

func searchEntryCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, searchEntryCmdUsage) }

	var (
		classFlag  string
		serverFlag string
		jsonFlag   bool
	)
	cmd.StringVar(&classFlag, "class", "", "Only list entries of the given object class")
	flagsServer(cmd, &serverFlag)
	flagsOutputJSON(cmd, &jsonFlag)
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'lwdir entry search --help'", err)
	}
	if cmd.NArg() > 1 {
		cli.Fatal("too many arguments. See 'lwdir entry search --help'")
	}

	client := newClient(serverFlag)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	entries, err := client.Search(ctx, cmd.Arg(0), classFlag)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatalf("failed to search '%s': %v", cmd.Arg(0), err)
	}
	printEntries(jsonFlag, entries...)
}

// parseAttributes parses a list of NAME=VALUE pairs. Values
// of the same attribute are combined in the given order.
func parseAttributes(args []string) ([]lwdir.Attribute, error) {
	var attributes []lwdir.Attribute
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid attribute '%s'", arg)
		}

		i := -1
		for j := range attributes {
			if strings.EqualFold(attributes[j].Name, name) {
				i = j
				break
			}
		}
		if i < 0 {
			attributes = append(attributes, lwdir.Attribute{Name: name})
			i = len(attributes) - 1
		}
		attributes[i].Values = append(attributes[i].Values, value)
	}
	return attributes, nil
}

func parseModifications(add, replace, del []string) ([]lwdir.Modification, error) {
	var mods []lwdir.Modification
	attributes, err := parseAttributes(add)
	if err != nil {
		return nil, err
	}
	for _, a := range attributes {
		mods = append(mods, lwdir.Modification{Op: lwdir.ModAdd, Name: a.Name, Values: a.Values})
	}

	if attributes, err = parseAttributes(replace); err != nil {
		return nil, err
	}
	for _, a := range attributes {
		mods = append(mods, lwdir.Modification{Op: lwdir.ModReplace, Name: a.Name, Values: a.Values})
	}

	for _, arg := range del {
		name, value, ok := strings.Cut(arg, "=")
		if name == "" {
			return nil, fmt.Errorf("invalid attribute '%s'", arg)
		}
		mod := lwdir.Modification{Op: lwdir.ModDelete, Name: name}
		if ok {
			mod.Values = []string{value}
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

func printEntries(jsonOutput bool, entries ...*lwdir.Entry) {
	if jsonOutput || !cli.IsTerminal() {
		encoder := json.NewEncoder(os.Stdout)
		if cli.IsTerminal() {
			encoder.SetIndent("", "  ")
		}
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				cli.Fatal(err)
			}
		}
		return
	}

	var (
		dnStyle   = tui.NewStyle().Bold(true).Foreground(tui.AdaptiveColor{Light: "#2E42D1", Dark: "#2e8bc0"})
		nameStyle = tui.NewStyle().Foreground(tui.AdaptiveColor{Light: "#D1BD2E", Dark: "#C6A18C"})
		faint     = tui.NewStyle().Faint(true)
	)

	var buf cli.Buffer
	for i, entry := range entries {
		if i > 0 {
			buf.Sprintln()
		}
		buf.Stylef(dnStyle, "dn: %s", entry.DN).Sprintln()
		for _, attr := range entry.Attributes {
			for _, v := range attr.Values {
				buf.Stylef(nameStyle, "%s", attr.Name).Sprintf(": %s", v).Sprintln()
			}
		}
		buf.Styleln(faint, fmt.Sprintf("# guid=%s version=%d usn=%d origin=%s:%d", entry.GUID, entry.Version, entry.USN, entry.OriginServer, entry.OriginUSN))
	}
	cli.Print(buf.String())
}
