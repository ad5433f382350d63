// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package log defines the output formats and levels of
// server logs.
package log

import (
	"errors"
	"log/slog"
	"strings"
)

// Format defines a type of different log output formats,
// used by error events if no custom log handler specified.
type Format string

const (
	// TextFormat creates plain text formatted log message
	TextFormat Format = "Text"

	// JSONFormat creates JSON formatted log messages
	JSONFormat Format = "JSON"
)

// ParseFormat parses s as log format. It accepts the
// format names case-insensitively. The empty string
// is parsed as TextFormat.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return TextFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return "", errors.New("log: invalid log format '" + s + "'")
	}
}

// ParseLevel parses s as slog.Level. The empty string is
// parsed as slog.LevelInfo.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.New("log: invalid log level '" + s + "'")
	}
	return level, nil
}
