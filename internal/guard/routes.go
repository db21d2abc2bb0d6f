// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Rule assigns a requirement to every path matching Pattern.
// Patterns use '/' as the segment separator: '*' stays within a segment,
// '**' crosses segments.
type Rule struct {
	Pattern     string
	Requirement Requirement
}

type compiledRule struct {
	Rule
	glob glob.Glob
}

// RouteTable maps request paths to view requirements. The first matching
// rule wins; unmatched paths get the default requirement.
type RouteTable struct {
	rules []compiledRule
	def   Requirement
}

// NewRouteTable compiles rules in order. It fails on the first invalid pattern.
func NewRouteTable(def Requirement, rules ...Rule) (*RouteTable, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return nil, oops.Code(CodeInvalidPattern).
				With("pattern", r.Pattern).
				With("index", i).
				Wrap(err)
		}
		compiled = append(compiled, compiledRule{Rule: r, glob: g})
	}
	return &RouteTable{rules: compiled, def: def}, nil
}

// DefaultRouteTable protects everything except the auth pages, which are
// public-only, and the session endpoints, which are public.
func DefaultRouteTable() *RouteTable {
	t, err := NewRouteTable(RequireSession,
		Rule{Pattern: "/auth/logout", Requirement: RequireNone},
		Rule{Pattern: "/auth/**", Requirement: RequireNoSession},
		Rule{Pattern: "/session", Requirement: RequireNone},
		Rule{Pattern: "/session/*", Requirement: RequireNone},
	)
	if err != nil {
		panic(err) // static patterns
	}
	return t
}

// Requirement returns the requirement for path.
func (t *RouteTable) Requirement(path string) Requirement {
	for _, r := range t.rules {
		if r.glob.Match(path) {
			return r.Requirement
		}
	}
	return t.def
}

// Rules returns a copy of the table's rules in match order.
func (t *RouteTable) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, r := range t.rules {
		out[i] = r.Rule
	}
	return out
}

// Default returns the requirement for unmatched paths.
func (t *RouteTable) Default() Requirement {
	return t.def
}
