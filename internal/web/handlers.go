// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/pkg/errutil"
)

const signOutFailedMessage = "Sign-out failed. Please try again."

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	a.renderIdentityPage(w, r, pageHome)
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	a.renderIdentityPage(w, r, pageProfile)
}

func (a *App) renderIdentityPage(w http.ResponseWriter, r *http.Request, page string) {
	data := pageData{Identity: identityOrPlaceholder(IdentityFromContext(r.Context()))}
	if r.URL.Query().Get("signout") == "failed" {
		data.Error = signOutFailedMessage
	}
	a.render(w, r, http.StatusOK, page, data)
}

func (a *App) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	data := pageData{Features: a.features()}
	if r.URL.Query().Get("reset") == "done" {
		data.Notice = "Your password has been changed. Please sign in."
	}
	a.render(w, r, http.StatusOK, pageLogin, data)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")

	if _, err := a.signIn.SignIn(r.Context(), email, password); err != nil {
		status, msg := entryError(err, "Sign-in failed. Please try again.")
		a.logFailure(r, "sign-in failed", err)
		a.render(w, r, status, pageLogin, pageData{Features: a.features(), Email: email, Error: msg})
		return
	}

	a.awaitSession(r, session.Snapshot.Authenticated)
	http.Redirect(w, r, a.guard.Routes().Home, http.StatusSeeOther)
}

func (a *App) handleSignUpForm(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, pageSignUp, pageData{Features: a.features()})
}

func (a *App) handleSignUp(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))
	displayName := strings.TrimSpace(r.PostFormValue("display_name"))
	password := r.PostFormValue("password")

	if _, err := a.signUp.SignUp(r.Context(), email, password, displayName); err != nil {
		status, msg := entryError(err, "Registration failed. Please try again.")
		a.logFailure(r, "sign-up failed", err)
		a.render(w, r, status, pageSignUp, pageData{
			Features:    a.features(),
			Email:       email,
			DisplayName: displayName,
			Error:       msg,
		})
		return
	}

	a.awaitSession(r, session.Snapshot.Authenticated)
	http.Redirect(w, r, a.guard.Routes().Home, http.StatusSeeOther)
}

func (a *App) handleResetForm(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, http.StatusOK, pageReset, pageData{Features: a.features()})
}

func (a *App) handleReset(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.PostFormValue("email"))

	if err := a.reset.RequestPasswordReset(r.Context(), email); err != nil {
		status, msg := entryError(err, "Could not send a reset link. Please try again.")
		a.logFailure(r, "password reset request failed", err)
		a.render(w, r, status, pageReset, pageData{Features: a.features(), Email: email, Error: msg})
		return
	}

	a.render(w, r, http.StatusOK, pageReset, pageData{
		Features: a.features(),
		Notice:   "If an account exists for that address, a reset link is on its way.",
	})
}

func (a *App) handleResetConfirmForm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	data := pageData{Features: a.features(), Token: token}
	status := http.StatusOK
	if token == "" {
		status = http.StatusBadRequest
		data.Error = "This reset link is incomplete. Request a new one."
	}
	a.render(w, r, status, pageConfirm, data)
}

func (a *App) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("token")
	password := r.PostFormValue("password")

	if err := a.confirm.ResetPassword(r.Context(), token, password); err != nil {
		status, msg := entryError(err, "Could not change your password. Please try again.")
		a.logFailure(r, "password reset failed", err)
		a.render(w, r, status, pageConfirm, pageData{Features: a.features(), Token: token, Error: msg})
		return
	}

	http.Redirect(w, r, withQuery(a.guard.Routes().Entry, "reset", "done"), http.StatusSeeOther)
}

// handleLogout asks the provider to end the session. On failure the user is
// sent back where they came from with an error; the session is untouched.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.guard.SignOut(r.Context()); err != nil {
		target := returnPath(r, a.guard.Routes().Home)
		http.Redirect(w, r, withQuery(target, "signout", "failed"), http.StatusSeeOther)
		return
	}

	a.awaitSession(r, func(s session.Snapshot) bool { return !s.Loading && s.User == nil })
	http.Redirect(w, r, a.guard.Routes().Entry, http.StatusSeeOther)
}

// awaitSession waits, bounded by the settle timeout, for the provider's
// notification so the redirect lands on a page that sees the new session.
func (a *App) awaitSession(r *http.Request, pred func(session.Snapshot) bool) {
	ctx, cancel := a.settleContext(r)
	defer cancel()
	if _, err := a.session.Await(ctx, pred); err != nil {
		a.logger.WarnContext(r.Context(), "session did not settle before redirect",
			"path", r.URL.Path,
			"timeout", a.settle,
		)
	}
}

func (a *App) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	data.Routes = a.guard.Routes()
	if err := a.pages.render(w, status, page, data); err != nil {
		errutil.LogErrorContext(r.Context(), a.logger, "render page", err)
		if errutil.Code(err) == CodeTemplateFailed {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

func (a *App) logFailure(r *http.Request, msg string, err error) {
	a.logger.InfoContext(r.Context(), msg,
		"code", errutil.Code(err),
		"path", r.URL.Path,
	)
}

// entryError maps a provider error to a status and a message safe to show.
func entryError(err error, fallback string) (int, string) {
	oopsErr, ok := oops.AsOops(err)
	if ok {
		switch oopsErr.Code() {
		case session.CodeInvalidCredentials:
			return http.StatusUnauthorized, "Invalid email or password."
		case session.CodeInvalidEmail:
			return http.StatusBadRequest, "Please enter a valid email address."
		case session.CodeWeakPassword:
			return http.StatusBadRequest, "Password must be at least 6 characters."
		case session.CodeAccountExists:
			return http.StatusConflict, "An account with this email already exists."
		case session.CodeAccountLocked:
			return http.StatusTooManyRequests, "Too many failed attempts. Try again later or reset your password."
		case session.CodeInvalidResetToken:
			return http.StatusBadRequest, "This reset link is invalid or has expired. Request a new one."
		}
	}
	return http.StatusInternalServerError, fallback
}

// returnPath is the same-site path the request came from, or fallback.
func returnPath(r *http.Request, fallback string) string {
	ref, err := url.Parse(r.Referer())
	if err != nil || ref.Path == "" || !strings.HasPrefix(ref.Path, "/") || strings.HasPrefix(ref.Path, "//") {
		return fallback
	}
	if ref.Host != "" && ref.Host != r.Host {
		return fallback
	}
	return ref.Path
}

func withQuery(path, key, value string) string {
	return path + "?" + url.Values{key: []string{value}}.Encode()
}

// identityOrPlaceholder is used by pages reachable without a session.
func identityOrPlaceholder(id guard.Identity, ok bool) guard.Identity {
	if !ok {
		return guard.Identity{DisplayName: guard.PlaceholderName}
	}
	return id
}
