// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

// Package glob implements the restricted wildcard grammar used to select
// kernel function names. The only wildcard is '*' and it may appear only as
// the first and/or last character of a pattern:
//
//	foo     exact match
//	foo*    prefix match
//	*foo    suffix match
//	*foo*   substring match
//	*       matches everything
package glob // import "github.com/kerneltrace/massattach/glob"

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is returned by Compile for patterns outside the grammar.
var ErrInvalidPattern = errors.New("invalid glob pattern")

type kind uint8

const (
	kindExact kind = iota
	kindPrefix
	kindSuffix
	kindSubstring
	kindAny
)

// Glob is a compiled pattern. Obtain values through Compile.
type Glob struct {
	// Pattern is the original pattern as passed to Compile.
	Pattern string
	// Matches counts how many names this glob has matched so far.
	Matches int

	body string
	kind kind
}

// Compile validates pattern against the grammar and returns the compiled
// glob. An empty pattern, a '*' anywhere but the first or last character,
// and the literal "**" are rejected with ErrInvalidPattern.
func Compile(pattern string) (*Glob, error) {
	n := len(pattern)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if pattern == "**" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	for i := 0; i < n; i++ {
		if pattern[i] == '*' && i != 0 && i != n-1 {
			return nil, fmt.Errorf(
				"%w: %q: '*' allowed only at the beginning or end of a pattern",
				ErrInvalidPattern, pattern)
		}
	}

	g := &Glob{Pattern: pattern}
	switch {
	case pattern == "*":
		g.kind = kindAny
	case pattern[0] == '*' && pattern[n-1] == '*':
		g.kind = kindSubstring
		g.body = pattern[1 : n-1]
	case pattern[0] == '*':
		g.kind = kindSuffix
		g.body = pattern[1:]
	case pattern[n-1] == '*':
		g.kind = kindPrefix
		g.body = pattern[:n-1]
	default:
		g.kind = kindExact
		g.body = pattern
	}
	return g, nil
}

// Match reports whether s matches the glob. Comparison is byte-exact and
// does not allocate.
func (g *Glob) Match(s string) bool {
	switch g.kind {
	case kindAny:
		return true
	case kindSubstring:
		return strings.Contains(s, g.body)
	case kindSuffix:
		return strings.HasSuffix(s, g.body)
	case kindPrefix:
		return strings.HasPrefix(s, g.body)
	default:
		return s == g.body
	}
}
