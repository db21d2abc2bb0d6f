// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"context"
	"net/http"
	"time"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/pkg/errutil"
)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id guard.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity the guard attached to an
// authorized request. ok is false for requests without a session.
func IdentityFromContext(ctx context.Context) (id guard.Identity, ok bool) {
	id, ok = ctx.Value(identityKey{}).(guard.Identity)
	return id, ok
}

// guardRequests applies the access guard to every request:
//   - indeterminate: 503 waiting page that refreshes itself
//   - redirecting: 303 to the decided route
//   - authorized: the request proceeds, with the identity when signed in
func (a *App) guardRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := a.table.Requirement(r.URL.Path)
		d, snap := a.guard.Evaluate(req)

		switch d.State {
		case guard.StateIndeterminate:
			w.Header().Set("Retry-After", "1")
			if err := a.pages.render(w, http.StatusServiceUnavailable, pageWaiting, pageData{}); err != nil {
				errutil.LogErrorContext(r.Context(), a.logger, "render waiting page", err)
			}
		case guard.StateRedirecting:
			a.logger.DebugContext(r.Context(), "guard redirect",
				"path", r.URL.Path,
				"requirement", req.String(),
				"target", d.Target,
			)
			http.Redirect(w, r, d.Target, http.StatusSeeOther)
		default:
			if snap.User != nil {
				r = r.WithContext(WithIdentity(r.Context(), guard.IdentityOf(snap.User)))
			}
			next.ServeHTTP(w, r)
		}
	})
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b) //nolint:wrapcheck // passthrough
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		a.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
		)
	})
}
