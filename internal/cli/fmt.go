// Copyright 2022 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// errPrefix returns the prefix of error messages. It is
// colored unless colored output has been disabled.
func errPrefix() string { return color.New(color.FgRed).Sprint("Error: ") }

// Fatal writes an error prefix and the operands to stderr.
// Then, Fatal terminates the program by calling os.Exit(1).
func Fatal(v ...any) {
	fmt.Fprintln(os.Stderr, errPrefix()+fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf writes an error prefix and the operands, formatted
// according to the format specifier, to stderr. Then, Fatalf
// terminates the program by calling os.Exit(1).
func Fatalf(format string, v ...any) {
	fmt.Fprintln(os.Stderr, errPrefix()+fmt.Sprintf(format, v...))
	os.Exit(1)
}

// Print writes the operands to stdout, formatted as by
// fmt.Print.
func Print(v ...any) (int, error) { return fmt.Print(v...) }

// Printf writes the operands to stdout, formatted as by
// fmt.Printf.
func Printf(format string, v ...any) (int, error) { return fmt.Printf(format, v...) }
