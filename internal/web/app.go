// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package web serves gatekeep's pages over HTTP. Every request passes the
// access guard before reaching a handler.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/session"
)

// Error codes returned by this package.
const (
	CodeSessionRequired = "WEB_SESSION_REQUIRED"
	CodeGuardRequired   = "WEB_GUARD_REQUIRED"
	CodeTemplateFailed  = "WEB_TEMPLATE_FAILED"
	CodeAlreadyRunning  = "WEB_ALREADY_RUNNING"
	CodeListenFailed    = "WEB_LISTEN_FAILED"
	CodeRouteConflict   = "WEB_ROUTE_CONFLICT"
)

// Fixed paths served by the App. The entry page is served at the guard's
// entry route, and the home page at "/" and at the guard's home route.
const (
	ProfilePath       = "/protected/profile"
	SignUpPath        = "/auth/signup"
	ResetPath         = "/auth/reset"
	ResetConfirmPath  = "/auth/reset/confirm"
	LogoutPath        = "/auth/logout"
	SessionPath       = "/session"
	SessionEventsPath = "/session/events"
)

var fixedPaths = []string{
	"/", ProfilePath, SignUpPath, ResetPath, ResetConfirmPath,
	LogoutPath, SessionPath, SessionEventsPath,
}

// ResetConfirmLink returns the link a reset notification should carry.
func ResetConfirmLink(token string) string {
	return withQuery(ResetConfirmPath, "token", token)
}

// DefaultSettleTimeout bounds how long a sign-in or sign-out request waits
// for the provider's notification before redirecting anyway.
const DefaultSettleTimeout = 2 * time.Second

// Session is the part of the session observer the web layer reads.
// *session.Observer satisfies it.
type Session interface {
	Snapshot() session.Snapshot
	Watch(fn func(session.Snapshot)) (cancel func())
	Await(ctx context.Context, pred func(session.Snapshot) bool) (session.Snapshot, error)
}

// CredentialProvider is implemented by providers that accept email and
// password sign-in.
type CredentialProvider interface {
	SignIn(ctx context.Context, email, password string) (*session.User, error)
}

// SignUpProvider is implemented by providers that can create accounts.
type SignUpProvider interface {
	SignUp(ctx context.Context, email, password, displayName string) (*session.User, error)
}

// PasswordResetProvider is implemented by providers that send reset links.
type PasswordResetProvider interface {
	RequestPasswordReset(ctx context.Context, email string) error
}

// PasswordResetConfirmer is implemented by providers that complete a reset
// from the token in a reset link.
type PasswordResetConfirmer interface {
	ResetPassword(ctx context.Context, token, password string) error
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithRouteTable sets the path rules. The default is guard.DefaultRouteTable.
func WithRouteTable(t *guard.RouteTable) Option {
	return func(a *App) {
		if t != nil {
			a.table = t
		}
	}
}

// WithProvider enables the entry-page operations p implements:
// CredentialProvider, SignUpProvider, PasswordResetProvider and
// PasswordResetConfirmer.
func WithProvider(p any) Option {
	return func(a *App) {
		a.signIn, _ = p.(CredentialProvider)
		a.signUp, _ = p.(SignUpProvider)
		a.reset, _ = p.(PasswordResetProvider)
		a.confirm, _ = p.(PasswordResetConfirmer)
	}
}

// WithSettleTimeout sets how long sign-in and sign-out wait for the session
// to change.
func WithSettleTimeout(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.settle = d
		}
	}
}

// App holds the HTTP handlers.
type App struct {
	session Session
	guard   *guard.Guard
	table   *guard.RouteTable
	pages   *pages
	logger  *slog.Logger
	settle  time.Duration

	signIn  CredentialProvider
	signUp  SignUpProvider
	reset   PasswordResetProvider
	confirm PasswordResetConfirmer
}

// New creates an App over the session observer and guard.
func New(sess Session, g *guard.Guard, opts ...Option) (*App, error) {
	if sess == nil {
		return nil, oops.Code(CodeSessionRequired).Errorf("session source is required")
	}
	if g == nil {
		return nil, oops.Code(CodeGuardRequired).Errorf("guard is required")
	}

	routes := g.Routes()
	if err := checkMountable(routes.Entry); err != nil {
		return nil, oops.With("route", "entry").Wrap(err)
	}
	if slices.Contains(fixedPaths, routes.Entry) {
		return nil, oops.Code(CodeRouteConflict).
			With("entry", routes.Entry).
			Errorf("entry route collides with a built-in page")
	}
	if err := checkMountable(routes.Home); err != nil {
		return nil, oops.With("route", "home").Wrap(err)
	}

	p, err := loadPages()
	if err != nil {
		return nil, err
	}

	a := &App{
		session: sess,
		guard:   g,
		table:   guard.DefaultRouteTable(),
		pages:   p,
		logger:  slog.New(slog.DiscardHandler),
		settle:  DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the guarded HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	routes := a.guard.Routes()

	mux.HandleFunc("GET /{$}", a.handleHome)
	if !slices.Contains(fixedPaths, routes.Home) && routes.Home != routes.Entry {
		mux.HandleFunc("GET "+routes.Home, a.handleHome)
	}
	mux.HandleFunc("GET "+ProfilePath, a.handleProfile)

	mux.HandleFunc("GET "+routes.Entry, a.handleLoginForm)
	if a.signIn != nil {
		mux.HandleFunc("POST "+routes.Entry, a.handleLogin)
	}
	if a.signUp != nil {
		mux.HandleFunc("GET "+SignUpPath, a.handleSignUpForm)
		mux.HandleFunc("POST "+SignUpPath, a.handleSignUp)
	}
	if a.reset != nil {
		mux.HandleFunc("GET "+ResetPath, a.handleResetForm)
		mux.HandleFunc("POST "+ResetPath, a.handleReset)
	}
	if a.confirm != nil {
		mux.HandleFunc("GET "+ResetConfirmPath, a.handleResetConfirmForm)
		mux.HandleFunc("POST "+ResetConfirmPath, a.handleResetConfirm)
	}
	mux.HandleFunc("POST "+LogoutPath, a.handleLogout)

	mux.HandleFunc("GET "+SessionPath, a.handleSession)
	mux.HandleFunc("GET "+SessionEventsPath, a.handleSessionEvents)

	return a.logRequests(a.guardRequests(mux))
}

func (a *App) features() features {
	return features{
		SignIn: a.signIn != nil,
		SignUp: a.signUp != nil,
		Reset:  a.reset != nil,
	}
}

// checkMountable rejects routes that cannot be served as a literal path.
func checkMountable(path string) error {
	if !strings.HasPrefix(path, "/") || strings.ContainsAny(path, "{} \t?#") {
		return oops.Code(CodeRouteConflict).
			With("path", path).
			Errorf("route is not a plain absolute path")
	}
	return nil
}

// settleContext bounds a wait for the provider's notification.
func (a *App) settleContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.settle)
}
