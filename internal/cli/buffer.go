// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"strings"

	tui "github.com/charmbracelet/lipgloss"
)

// Buffer assembles multi-line terminal output, like tables
// or banners, from plain and styled text. All methods return
// the Buffer itself such that calls can be chained:
//
//	var buf cli.Buffer
//	buf.Stylef(bold, "%-12s", "Server").Sprintln("node-1")
//
// The zero value is an empty Buffer ready to use.
type Buffer struct {
	b strings.Builder
}

// Sprint appends the operands formatted as by fmt.Sprint.
func (b *Buffer) Sprint(v ...any) *Buffer {
	fmt.Fprint(&b.b, v...)
	return b
}

// Sprintf appends the operands formatted as by fmt.Sprintf.
func (b *Buffer) Sprintf(format string, v ...any) *Buffer {
	fmt.Fprintf(&b.b, format, v...)
	return b
}

// Sprintln appends the operands formatted as by fmt.Sprintln.
func (b *Buffer) Sprintln(v ...any) *Buffer {
	fmt.Fprintln(&b.b, v...)
	return b
}

// Stylef appends the operands formatted as by fmt.Sprintf
// and rendered with the given style.
func (b *Buffer) Stylef(style tui.Style, format string, v ...any) *Buffer {
	b.b.WriteString(style.Render(fmt.Sprintf(format, v...)))
	return b
}

// Styleln appends the operands formatted as by fmt.Sprint
// and rendered with the given style, followed by a newline.
func (b *Buffer) Styleln(style tui.Style, v ...any) *Buffer {
	b.b.WriteString(style.Render(fmt.Sprint(v...)))
	b.b.WriteByte('\n')
	return b
}

// String returns the content of the Buffer.
func (b *Buffer) String() string { return b.b.String() }
