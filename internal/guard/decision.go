// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/session"
)

// Requirement is what a view demands of the session.
type Requirement int

// View requirements. Unknown values are treated as RequireSession.
const (
	// RequireSession marks a protected view.
	RequireSession Requirement = iota
	// RequireNoSession marks a public-only view such as the login page.
	RequireNoSession
	// RequireNone marks a view open to everyone.
	RequireNone
)

// String returns the configuration name of r.
func (r Requirement) String() string {
	switch r {
	case RequireSession:
		return "protected"
	case RequireNoSession:
		return "public_only"
	case RequireNone:
		return "public"
	default:
		return "unknown"
	}
}

// ParseRequirement maps a configuration name to a Requirement.
func ParseRequirement(name string) (Requirement, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "protected":
		return RequireSession, nil
	case "public_only", "public-only":
		return RequireNoSession, nil
	case "public":
		return RequireNone, nil
	default:
		return RequireSession, oops.Code(CodeUnknownRequirement).
			With("requirement", name).
			Errorf("unknown route requirement %q", name)
	}
}

// State is a view's position in the guard state machine.
type State int

// View states.
const (
	// StateIndeterminate: the session is not known yet; show a waiting indicator.
	StateIndeterminate State = iota
	// StateAuthorized: the view may render.
	StateAuthorized
	// StateRedirecting: the view must be left. Terminal for a view instance.
	StateRedirecting
)

func (s State) String() string {
	switch s {
	case StateIndeterminate:
		return "indeterminate"
	case StateAuthorized:
		return "authorized"
	case StateRedirecting:
		return "redirecting"
	default:
		return "unknown"
	}
}

// Default route names.
const (
	DefaultEntryRoute = "/auth/login"
	DefaultHomeRoute  = "/"
)

// Routes names the two destinations the guard navigates between.
type Routes struct {
	// Entry is the public entry view for signed-out users.
	Entry string
	// Home is the default view for signed-in users.
	Home string
}

// DefaultRoutes returns the standard entry and home routes.
func DefaultRoutes() Routes {
	return Routes{Entry: DefaultEntryRoute, Home: DefaultHomeRoute}
}

func (r Routes) withDefaults() Routes {
	if r.Entry == "" {
		r.Entry = DefaultEntryRoute
	}
	if r.Home == "" {
		r.Home = DefaultHomeRoute
	}
	return r
}

// Decision is the outcome of evaluating a snapshot against a requirement.
// Target is set only when State is StateRedirecting.
type Decision struct {
	State  State
	Target string
}

// Decide evaluates snap for a view with requirement req. It is total: every
// input yields a decision and nothing panics.
func Decide(snap session.Snapshot, req Requirement, routes Routes) Decision {
	routes = routes.withDefaults()

	if snap.Loading {
		return Decision{State: StateIndeterminate}
	}

	signedIn := snap.User != nil
	switch req {
	case RequireNone:
		return Decision{State: StateAuthorized}
	case RequireNoSession:
		if signedIn {
			return Decision{State: StateRedirecting, Target: routes.Home}
		}
		return Decision{State: StateAuthorized}
	default:
		if !signedIn {
			return Decision{State: StateRedirecting, Target: routes.Entry}
		}
		return Decision{State: StateAuthorized}
	}
}
