// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package entry

import "testing"

var normalizeTests = []struct {
	DN         string
	Normalized string
	ShouldFail bool
}{
	{DN: "", Normalized: ""},                                            // 0
	{DN: "CN=Test,DC=Example", Normalized: "cn=test,dc=example"},        // 1
	{DN: " cn = test , dc=example ", Normalized: "cn=test,dc=example"},  // 2
	{DN: `cn=a\,b,dc=example`, Normalized: `cn=a\,b,dc=example`},        // 3
	{DN: "cn=test,,dc=example", ShouldFail: true},                       // 4
	{DN: "cn", ShouldFail: true},                                        // 5
	{DN: "cn=,dc=example", ShouldFail: true},                            // 6
	{DN: "cn=schemacontext", Normalized: "cn=schemacontext"},            // 7
}

func TestNormalize(t *testing.T) {
	for i, test := range normalizeTests {
		dn, err := Normalize(test.DN)
		if err == nil && test.ShouldFail {
			t.Fatalf("Test %d: should have failed", i)
		}
		if err != nil && !test.ShouldFail {
			t.Fatalf("Test %d: failed to normalize DN: %v", i, err)
		}
		if err == nil && dn != test.Normalized {
			t.Fatalf("Test %d: got '%s' - want '%s'", i, dn, test.Normalized)
		}
	}
}

var isDescendantTests = []struct {
	DN, Base   string
	Descendant bool
}{
	{DN: "cn=test,dc=example", Base: "", Descendant: true},                  // 0
	{DN: "cn=test,dc=example", Base: "dc=example", Descendant: true},        // 1
	{DN: "dc=example", Base: "dc=example", Descendant: true},                // 2
	{DN: "cn=test,dc=example", Base: "dc=other", Descendant: false},         // 3
	{DN: "cn=test,dc=myexample", Base: "dc=example", Descendant: false},     // 4
	{DN: "dc=example", Base: "cn=test,dc=example", Descendant: false},       // 5
	{DN: "cn=a,ou=b,dc=example", Base: "ou=b,dc=example", Descendant: true}, // 6
}

func TestIsDescendant(t *testing.T) {
	for i, test := range isDescendantTests {
		if d := IsDescendant(test.DN, test.Base); d != test.Descendant {
			t.Fatalf("Test %d: got %v - want %v", i, d, test.Descendant)
		}
	}
}

var keyTests = []struct {
	DN, Key, Parent string
}{
	{DN: "", Key: "", Parent: ""},                                                         // 0
	{DN: "dc=example", Key: "dc=example", Parent: ""},                                     // 1
	{DN: "cn=test,dc=example", Key: "dc=example,cn=test", Parent: "dc=example"},           // 2
	{DN: "cn=a,ou=b,dc=example", Key: "dc=example,ou=b,cn=a", Parent: "ou=b,dc=example"},  // 3
	{DN: `cn=a\,b,dc=example`, Key: `dc=example,cn=a\,b`, Parent: "dc=example"},           // 4
}

func TestKey(t *testing.T) {
	for i, test := range keyTests {
		if key := Key(test.DN); key != test.Key {
			t.Fatalf("Test %d: got key '%s' - want '%s'", i, key, test.Key)
		}
		if dn := FromKey(test.Key); dn != test.DN {
			t.Fatalf("Test %d: got DN '%s' - want '%s'", i, dn, test.DN)
		}
		if parent := Parent(test.DN); parent != test.Parent {
			t.Fatalf("Test %d: got parent '%s' - want '%s'", i, parent, test.Parent)
		}
	}
}
