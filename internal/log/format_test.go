// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package log

import (
	"log/slog"
	"testing"
)

var parseFormatTests = []struct {
	Value      string
	Format     Format
	ShouldFail bool
}{
	{Value: "", Format: TextFormat},           // 0
	{Value: "text", Format: TextFormat},       // 1
	{Value: " JSON ", Format: JSONFormat},     // 2
	{Value: "Json", Format: JSONFormat},       // 3
	{Value: "yaml", ShouldFail: true},         // 4
}

func TestParseFormat(t *testing.T) {
	for i, test := range parseFormatTests {
		format, err := ParseFormat(test.Value)
		if err == nil && test.ShouldFail {
			t.Fatalf("Test %d: should have failed", i)
		}
		if err != nil && !test.ShouldFail {
			t.Fatalf("Test %d: failed to parse format: %v", i, err)
		}
		if err == nil && format != test.Format {
			t.Fatalf("Test %d: got '%s' - want '%s'", i, format, test.Format)
		}
	}
}

var parseLevelTests = []struct {
	Value      string
	Level      slog.Level
	ShouldFail bool
}{
	{Value: "", Level: slog.LevelInfo},         // 0
	{Value: "DEBUG", Level: slog.LevelDebug},   // 1
	{Value: "warn", Level: slog.LevelWarn},     // 2
	{Value: "ERROR", Level: slog.LevelError},   // 3
	{Value: "verbose", ShouldFail: true},       // 4
}

func TestParseLevel(t *testing.T) {
	for i, test := range parseLevelTests {
		level, err := ParseLevel(test.Value)
		if err == nil && test.ShouldFail {
			t.Fatalf("Test %d: should have failed", i)
		}
		if err != nil && !test.ShouldFail {
			t.Fatalf("Test %d: failed to parse level: %v", i, err)
		}
		if err == nil && level != test.Level {
			t.Fatalf("Test %d: got '%v' - want '%v'", i, level, test.Level)
		}
	}
}
