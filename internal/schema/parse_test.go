// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package schema

import (
	"errors"
	"testing"

	"golang.org/x/exp/slices"
)

var parseTests = []struct {
	Kind       Kind
	Text       string
	Names      []string
	Must, May  []string
	Single     bool
	ClassKind  ClassKind
	ShouldFail bool
}{
	{ // 0
		Kind:  AttributeType,
		Text:  "( 2.5.4.3 NAME ( 'cn' 'commonName' ) SUP name )",
		Names: []string{"cn", "commonName"},
	},
	{ // 1
		Kind:   AttributeType,
		Text:   "( 1.2.3 NAME 'x' SYNTAX 1.3.6.1.4.1.1466.115.121.1.15{32} SINGLE-VALUE X-ORIGIN 'test' )",
		Names:  []string{"x"},
		Single: true,
	},
	{ // 2
		Kind:      ObjectClass,
		Text:      "( 2.5.6.6 NAME 'person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY description )",
		Names:     []string{"person"},
		Must:      []string{"sn", "cn"},
		May:       []string{"description"},
		ClassKind: Structural,
	},
	{ // 3
		Kind:      ObjectClass,
		Text:      "( 1.2.4 NAME 'aux' AUXILIARY )",
		Names:     []string{"aux"},
		ClassKind: Auxiliary,
	},
	{ // 4
		Kind:       AttributeType,
		Text:       "2.5.4.3 NAME 'cn'",
		ShouldFail: true,
	},
	{ // 5
		Kind:       AttributeType,
		Text:       "( 2.5.4.3 NAME 'cn )",
		ShouldFail: true,
	},
	{ // 6
		Kind:       ObjectClass,
		Text:       "( 1.2.5 NAME 'x' BOGUS )",
		ShouldFail: true,
	},
	{ // 7
		Kind:       NameForm,
		Text:       "( 1.2.6 NAME 'nf' MUST cn )",
		ShouldFail: true,
	},
	{ // 8
		Kind:       ObjectClass,
		Text:       "( NAME 'x' )",
		ShouldFail: true,
	},
	{ // 9
		Kind:       ObjectClass,
		Text:       "( 1.2.7 NAME 'x' MUST ( cn $ sn )",
		ShouldFail: true,
	},
}

func TestParse(t *testing.T) {
	for i, test := range parseTests {
		def, err := Parse(test.Kind, test.Text)
		if err != nil {
			if !test.ShouldFail {
				t.Fatalf("Test %d: failed to parse definition: %v", i, err)
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("Test %d: got error '%v' - want '%v'", i, err, ErrInvalidDefinition)
			}
			continue
		}
		if test.ShouldFail {
			t.Fatalf("Test %d: parsing should have failed", i)
		}
		if !slices.Equal(def.Names, test.Names) {
			t.Fatalf("Test %d: got names %v - want %v", i, def.Names, test.Names)
		}
		if !slices.Equal(def.Must, test.Must) || !slices.Equal(def.May, test.May) {
			t.Fatalf("Test %d: got MUST %v MAY %v - want MUST %v MAY %v", i, def.Must, def.May, test.Must, test.May)
		}
		if def.SingleValue != test.Single {
			t.Fatalf("Test %d: got single-value %v - want %v", i, def.SingleValue, test.Single)
		}
		if def.ClassKind != test.ClassKind {
			t.Fatalf("Test %d: got class kind %d - want %d", i, def.ClassKind, test.ClassKind)
		}
	}
}

func TestDefault(t *testing.T) {
	if _, err := New(Default(), nil); err != nil {
		t.Fatalf("Failed to load default schema: %v", err)
	}
}
