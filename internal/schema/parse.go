// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package schema

import (
	"fmt"
	"strings"

	"github.com/minio/lwdir/internal/entry"
)

// Attribute types of schema subtree entries holding
// definitions of the corresponding kind.
const (
	AttrAttributeTypes    = "attributeTypes"
	AttrObjectClasses     = "objectClasses"
	AttrDITContentRules   = "ditContentRules"
	AttrDITStructureRules = "ditStructureRules"
	AttrNameForms         = "nameForms"
)

var definitionAttributes = []struct {
	Name string
	Kind Kind
}{
	{AttrAttributeTypes, AttributeType},
	{AttrObjectClasses, ObjectClass},
	{AttrDITContentRules, ContentRule},
	{AttrDITStructureRules, StructureRule},
	{AttrNameForms, NameForm},
}

// FromEntry parses all schema definitions contained
// in the entry.
func FromEntry(e *entry.Entry) ([]*Definition, error) {
	var defs []*Definition
	for _, attr := range definitionAttributes {
		for _, v := range e.Get(attr.Name) {
			def, err := Parse(attr.Kind, v)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// Parse parses a schema definition of the given kind
// from its RFC 4512 textual representation. For example:
//
//	( 2.5.6.6 NAME 'person' SUP top STRUCTURAL MUST ( sn $ cn ) MAY description )
//
// Extensions and matching rule or syntax references are
// accepted but not retained.
func Parse(kind Kind, s string) (*Definition, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 || tokens[0] != "(" || tokens[len(tokens)-1] != ")" {
		return nil, fmt.Errorf("%w: '%s' is not enclosed in parentheses", ErrInvalidDefinition, s)
	}

	p := &parser{tokens: tokens[1 : len(tokens)-1]}
	def := &Definition{
		Kind: kind,
		OID:  p.next(),
		raw:  s,
	}
	if isKeyword(def.OID) || def.OID == "" {
		return nil, fmt.Errorf("%w: '%s' has no OID", ErrInvalidDefinition, s)
	}

	for p.more() {
		switch keyword := p.next(); keyword {
		case "NAME":
			def.Names = p.list()
		case "DESC":
			def.Desc = p.next()
		case "SUP":
			def.Sup = p.list()
		case "MUST":
			def.Must = p.list()
		case "MAY":
			def.May = p.list()
		case "AUX":
			def.Aux = p.list()
		case "NOT":
			def.Not = p.list()
		case "OC":
			def.OC = p.next()
		case "FORM":
			def.Form = p.next()
		case "SINGLE-VALUE":
			def.SingleValue = true
		case "STRUCTURAL":
			def.ClassKind = Structural
		case "AUXILIARY":
			def.ClassKind = Auxiliary
		case "ABSTRACT":
			def.ClassKind = Abstract
		case "OBSOLETE", "COLLECTIVE", "NO-USER-MODIFICATION":
		case "EQUALITY", "ORDERING", "SUBSTR", "SYNTAX", "USAGE", "APPLIES":
			p.list()
		default:
			if !strings.HasPrefix(keyword, "X-") {
				return nil, fmt.Errorf("%w: unknown keyword '%s' in '%s'", ErrInvalidDefinition, keyword, s)
			}
			p.list()
		}
	}
	if p.err != nil {
		return nil, fmt.Errorf("%w: '%s': %v", ErrInvalidDefinition, s, p.err)
	}
	if kind == NameForm && def.OC == "" {
		return nil, fmt.Errorf("%w: name form '%s' has no structural class", ErrInvalidDefinition, def.Name())
	}
	if kind == StructureRule && def.Form == "" {
		return nil, fmt.Errorf("%w: structure rule '%s' has no name form", ErrInvalidDefinition, def.Name())
	}
	return def, nil
}

type parser struct {
	tokens []string
	pos    int
	err    error
}

func (p *parser) more() bool { return p.err == nil && p.pos < len(p.tokens) }

func (p *parser) next() string {
	if p.pos >= len(p.tokens) {
		p.err = fmt.Errorf("unexpected end of definition")
		return ""
	}
	t := p.tokens[p.pos]
	p.pos++
	return t
}

// list parses either a single value or a parenthesized
// list of values separated by '$' or whitespace.
func (p *parser) list() []string {
	t := p.next()
	if t != "(" {
		return []string{t}
	}

	var values []string
	for {
		t = p.next()
		switch {
		case p.err != nil:
			return nil
		case t == ")":
			return values
		case t == "$":
		default:
			values = append(values, t)
		}
	}
}

func isKeyword(s string) bool {
	return s != "" && strings.ToUpper(s) == s && (s[0] < '0' || s[0] > '9') && s != "(" && s != ")"
}

// tokenize splits a definition into parentheses, '$'
// separators, quoted strings (without quotes) and words.
func tokenize(s string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')' || c == '$':
			tokens = append(tokens, string(c))
			i++
		case c == '\'':
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				return nil, fmt.Errorf("%w: unterminated quoted string in '%s'", ErrInvalidDefinition, s)
			}
			tokens = append(tokens, s[i+1:i+1+j])
			i += j + 2
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n()$'", rune(s[j])) {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens, nil
}
