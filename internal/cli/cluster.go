// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"runtime"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/minio/lwdir"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// StartupMessage returns the banner a directory server
// prints once started. The node identity and membership
// are read from info. Partners are the legacy replication
// partners of the server.
func StartupMessage(info *lwdir.NodeInfo, partners map[string]lwdir.Addr) string {
	var faint, item tui.Style
	if IsTerminal() {
		faint = faint.Faint(true)
		item = item.Foreground(tui.Color("#2e42d1")).Bold(true)
	}

	buffer := new(Buffer)
	buffer.Stylef(item, "%-12s", "Copyright").Sprintf("%-22s", "MinIO, Inc.").Styleln(faint, "https://min.io")
	buffer.Stylef(item, "%-12s", "License").Sprintf("%-22s", "GNU AGPLv3").Styleln(faint, "https://www.gnu.org/licenses/agpl-3.0.html")
	buffer.Stylef(item, "%-12s", "Version").Sprintf("%-22s", BinaryInfo().Version).Stylef(faint, "%s/%s\n", runtime.GOOS, runtime.GOARCH)
	buffer.Sprintln()

	buffer.Stylef(item, "%-12s", "Cluster").Styleln(faint, "Node         Address")
	if len(info.Members) == 0 {
		buffer.Sprintf("%-12s%-12s %s", " ", info.ID, info.Addr).Styleln(faint, "  [ waiting to join ]")
	}
	ids := maps.Keys(info.Members)
	slices.Sort(ids)
	for _, id := range ids {
		buffer.Sprintf("%-12s%-12s %s", " ", id, info.Members[id])
		if id == info.ID {
			buffer.Stylef(item, "  ●")
		}
		buffer.Sprintln()
	}
	buffer.Sprintln()

	if len(partners) > 0 {
		buffer.Stylef(item, "%-12s", "Partners").Styleln(faint, "Server       Address")
		ids = maps.Keys(partners)
		slices.Sort(ids)
		for _, id := range ids {
			buffer.Sprintf("%-12s%-12s %s", " ", id, partners[id]).Sprintln()
		}
		buffer.Sprintln()
	}

	buffer.Stylef(item, "%-12s", "CLI Access").Sprintf("$ export %s=http://%s", EnvServer, info.Addr).Sprintln()
	buffer.Sprintf("%-12s$ lwdir --help", " ")
	return buffer.String()
}

// PrintStartupMessage writes the StartupMessage to stdout.
func PrintStartupMessage(info *lwdir.NodeInfo, partners map[string]lwdir.Addr) {
	fmt.Println(StartupMessage(info, partners))
}
