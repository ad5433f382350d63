// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"strings"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/muesli/termenv"
	flag "github.com/spf13/pflag"
)

// colorOption is a CLI Flag that controls
// terminal output colorization of both, styled
// (lipgloss) and colored (fatih/color) output.
// It can be set to one of the following values:
//   - always
//   - auto  (default)
//   - never
type colorOption struct {
	value string
}

var _ flag.Value = (*colorOption)(nil)

func (c *colorOption) String() string { return c.value }

func (c *colorOption) Set(value string) error {
	switch v := strings.ToLower(value); v {
	case "always":
		if p := tui.ColorProfile(); p == termenv.Ascii {
			tui.SetColorProfile(termenv.ANSI256)
		}
		color.NoColor = false
	case "auto", "":
	case "never":
		tui.SetColorProfile(termenv.Ascii)
		color.NoColor = true
	default:
		return errors.New("invalid color option '" + value + "'")
	}
	c.value = value
	return nil
}

func (c *colorOption) Type() string { return "color option" }
