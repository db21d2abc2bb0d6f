// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package guard

import (
	"strings"

	"github.com/holomush/gatekeep/internal/session"
)

// PlaceholderName is shown when a user has neither a display name nor an email.
const PlaceholderName = "User"

// Identity is what an authorized view gets to see of the current user.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// Initial returns the upper-cased first letter of the display name.
func (i Identity) Initial() string {
	for _, r := range i.DisplayName {
		return strings.ToUpper(string(r))
	}
	return ""
}

// DisplayName derives the name to greet u with: the display name, else the
// local part of the email address, else PlaceholderName.
func DisplayName(u *session.User) string {
	if u == nil {
		return PlaceholderName
	}
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	if email := strings.TrimSpace(u.Email); email != "" {
		local, _, _ := strings.Cut(email, "@")
		if local != "" {
			return local
		}
	}
	return PlaceholderName
}

// IdentityOf builds the Identity for u. A nil user yields the zero Identity.
func IdentityOf(u *session.User) Identity {
	if u == nil {
		return Identity{}
	}
	return Identity{
		ID:          u.ID,
		DisplayName: DisplayName(u),
		Email:       u.Email,
	}
}
