// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/guard"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page names.
const (
	pageWaiting = "waiting"
	pageHome    = "home"
	pageProfile = "profile"
	pageLogin   = "login"
	pageSignUp  = "signup"
	pageReset   = "reset"
	pageConfirm = "reset_confirm"
)

var pageTitles = map[string]string{
	pageWaiting: "Loading",
	pageHome:    "Home",
	pageProfile: "Profile",
	pageLogin:   "Sign in",
	pageSignUp:  "Sign up",
	pageReset:   "Reset password",
	pageConfirm: "Choose a new password",
}

// features tells the entry pages which provider operations exist.
type features struct {
	SignIn bool
	SignUp bool
	Reset  bool
}

// pageData is the single view model all templates render from.
type pageData struct {
	Title       string
	Identity    guard.Identity
	Features    features
	Email       string
	DisplayName string
	Error       string
	Notice      string
	Token       string
	Routes      guard.Routes
}

type pages struct {
	set map[string]*template.Template
}

func loadPages() (*pages, error) {
	layout, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, oops.Code(CodeTemplateFailed).Wrap(err)
	}

	p := &pages{set: make(map[string]*template.Template, len(pageTitles))}
	for name := range pageTitles {
		t, err := layout.Clone()
		if err != nil {
			return nil, oops.Code(CodeTemplateFailed).With("page", name).Wrap(err)
		}
		if _, err := t.ParseFS(templateFS, "templates/"+name+".html"); err != nil {
			return nil, oops.Code(CodeTemplateFailed).With("page", name).Wrap(err)
		}
		p.set[name] = t
	}
	return p, nil
}

// render writes page name with status. The page is rendered to a buffer
// first so a template failure still yields a clean 500.
func (p *pages) render(w http.ResponseWriter, status int, name string, data pageData) error {
	t, ok := p.set[name]
	if !ok {
		return oops.Code(CodeTemplateFailed).With("page", name).Errorf("unknown page")
	}
	if data.Title == "" {
		data.Title = pageTitles[name]
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return oops.Code(CodeTemplateFailed).With("page", name).Wrap(err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err //nolint:wrapcheck // client write errors are not actionable
}
