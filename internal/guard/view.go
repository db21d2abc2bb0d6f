// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/holomush/gatekeep/internal/session"
)

// Renderer is the presentation side of a mounted view.
type Renderer interface {
	// Waiting shows the neutral indicator used while the session is unknown.
	Waiting()
	// Render shows the view's content for the given identity. Public views
	// rendered without a session receive the zero Identity.
	Render(id Identity)
}

// SignOutReporter is implemented by renderers that want to show a failed
// sign-out to the user.
type SignOutReporter interface {
	SignOutFailed(err error)
}

// View is one mounted view instance and its guard state.
type View struct {
	id       ulid.ULID
	name     string
	req      Requirement
	guard    *Guard
	renderer Renderer
	ctx      context.Context

	mu       sync.Mutex
	state    State
	mounted  bool
	detached bool
	cancel   func()
}

// Mount attaches a view to the guard. The view starts indeterminate and is
// evaluated against the latest snapshot right away, then again on every
// snapshot change until it redirects or is unmounted.
func (g *Guard) Mount(ctx context.Context, name string, req Requirement, r Renderer) *View {
	v := &View{
		id:       ulid.Make(),
		name:     name,
		req:      req,
		guard:    g,
		renderer: r,
		ctx:      ctx,
		state:    StateIndeterminate,
		mounted:  true,
	}

	cancel := g.source.Watch(v.evaluate)

	v.mu.Lock()
	v.cancel = cancel
	// The first evaluation may already have redirected.
	release := v.detached
	v.mu.Unlock()
	if release {
		cancel()
	}

	g.logger.DebugContext(ctx, "view mounted", "view", name, "view_id", v.id.String(), "requirement", req.String())
	return v
}

// ID returns the view instance id.
func (v *View) ID() ulid.ULID {
	return v.id
}

// Name returns the view name given at mount.
func (v *View) Name() string {
	return v.name
}

// State returns the view's current guard state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Mounted reports whether the view is still mounted.
func (v *View) Mounted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mounted
}

// Unmount detaches the view. Later snapshots and late sign-out results are
// discarded. Safe to call more than once.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	v.detached = true
	cancel := v.cancel
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SignOut starts a sign-out without waiting for it. The returned channel
// yields the result once and may be ignored. A failure is reported to the
// renderer if the view is still mounted and the renderer implements
// SignOutReporter; the view stays where it is.
func (v *View) SignOut(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		err := v.guard.SignOut(ctx)
		if err != nil && v.Mounted() {
			if reporter, ok := v.renderer.(SignOutReporter); ok {
				reporter.SignOutFailed(err)
			}
		}
		result <- err
	}()
	return result
}

// evaluate is the Watch callback. Observer deliveries never overlap, so
// evaluations of one view run one at a time; mu only guards against
// concurrent readers and Unmount.
func (v *View) evaluate(snap session.Snapshot) {
	v.mu.Lock()
	if !v.mounted || v.state == StateRedirecting {
		v.mu.Unlock()
		return
	}

	d := Decide(snap, v.req, v.guard.routes)
	v.state = d.State

	var cancel func()
	if d.State == StateRedirecting {
		v.detached = true
		cancel = v.cancel
	}
	v.mu.Unlock()

	v.guard.metrics.RecordDecision(d.State.String())

	switch d.State {
	case StateIndeterminate:
		v.renderer.Waiting()
	case StateAuthorized:
		v.renderer.Render(IdentityOf(snap.User))
	case StateRedirecting:
		if cancel != nil {
			cancel()
		}
		v.guard.navigate(v.ctx, v, d.Target)
	}
}
