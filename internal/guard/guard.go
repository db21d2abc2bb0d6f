// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/pkg/errutil"
)

// Error codes returned by the guard.
const (
	CodeSourceRequired     = "GUARD_SOURCE_REQUIRED"
	CodeNavigatorRequired  = "GUARD_NAVIGATOR_REQUIRED"
	CodeUnknownRequirement = "GUARD_UNKNOWN_REQUIREMENT"
	CodeInvalidPattern     = "GUARD_INVALID_PATTERN"
	CodeSignOutFailed      = "SIGNOUT_FAILED"
)

// Source is the read side of the session observer plus the sign-out trigger.
// *session.Observer satisfies it.
type Source interface {
	Snapshot() session.Snapshot
	Watch(fn func(session.Snapshot)) (cancel func())
	SignOut(ctx context.Context) error
}

// Navigator performs the transition to another route.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

// Recorder receives guard metrics.
type Recorder interface {
	RecordDecision(state string)
	RecordRedirect(target string)
	RecordSignOut(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string) {}
func (nopRecorder) RecordRedirect(string) {}
func (nopRecorder) RecordSignOut(bool)    {}

// Option configures a Guard.
type Option func(*Guard)

// WithRoutes overrides the entry and home routes. Empty fields keep their defaults.
func WithRoutes(r Routes) Option {
	return func(g *Guard) {
		g.routes = r.withDefaults()
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(g *Guard) {
		if r != nil {
			g.metrics = r
		}
	}
}

// WithSignOutErrorHook registers fn to be told about every failed sign-out.
func WithSignOutErrorHook(fn func(error)) Option {
	return func(g *Guard) {
		g.onSignOutErr = fn
	}
}

// Guard applies access decisions to views.
type Guard struct {
	source       Source
	nav          Navigator
	routes       Routes
	logger       *slog.Logger
	metrics      Recorder
	onSignOutErr func(error)
}

// New creates a Guard reading sessions from source and moving between views
// through nav.
func New(source Source, nav Navigator, opts ...Option) (*Guard, error) {
	if source == nil {
		return nil, oops.Code(CodeSourceRequired).Errorf("session source is required")
	}
	if nav == nil {
		return nil, oops.Code(CodeNavigatorRequired).Errorf("navigator is required")
	}

	g := &Guard{
		source:  source,
		nav:     nav,
		routes:  DefaultRoutes(),
		logger:  slog.New(slog.DiscardHandler),
		metrics: nopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Routes returns the configured entry and home routes.
func (g *Guard) Routes() Routes {
	return g.routes
}

// Evaluate decides req against the latest snapshot.
func (g *Guard) Evaluate(req Requirement) (Decision, session.Snapshot) {
	snap := g.source.Snapshot()
	d := Decide(snap, req, g.routes)
	g.metrics.RecordDecision(d.State.String())
	if d.State == StateRedirecting {
		g.metrics.RecordRedirect(d.Target)
	}
	return d, snap
}

// SignOut asks the provider to end the session. On success nothing else
// happens here; mounted views redirect when the provider's notification
// arrives. On failure the error is logged, passed to the hook and returned,
// and no navigation takes place.
func (g *Guard) SignOut(ctx context.Context) error {
	if err := g.source.SignOut(ctx); err != nil {
		wrapped := oops.Code(CodeSignOutFailed).
			With("operation", "sign-out").
			Wrap(err)
		errutil.LogErrorContext(ctx, g.logger, "sign-out failed", wrapped)
		g.metrics.RecordSignOut(false)
		if g.onSignOutErr != nil {
			g.onSignOutErr(wrapped)
		}
		return wrapped
	}

	g.metrics.RecordSignOut(true)
	g.logger.InfoContext(ctx, "sign-out requested")
	return nil
}

// navigate performs a redirect decided for view.
func (g *Guard) navigate(ctx context.Context, v *View, target string) {
	g.metrics.RecordRedirect(target)
	g.logger.InfoContext(ctx, "redirecting view",
		"view", v.name,
		"view_id", v.id.String(),
		"requirement", v.req.String(),
		"target", target,
	)
	if err := g.nav.Navigate(ctx, target); err != nil {
		errutil.LogErrorContext(ctx, g.logger, "navigation failed",
			oops.Code("GUARD_NAVIGATION_FAILED").
				With("view", v.name).
				With("target", target).
				Wrap(err))
	}
}
