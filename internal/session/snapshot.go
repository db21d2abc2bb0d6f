// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

// User is the identity record delivered by the provider.
// DisplayName and Email are optional; an empty string means absent.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// clone returns a copy of u so readers never share the Observer's record.
func (u *User) clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Snapshot is the normalized session state: who is signed in, and whether
// the provider has answered yet.
type Snapshot struct {
	// User is nil when no session exists. Meaningless while Loading.
	User *User
	// Loading is true until the provider delivers its first notification.
	Loading bool
	// Version increments with every applied notification.
	Version uint64
}

// Authenticated reports whether a session is known to exist.
func (s Snapshot) Authenticated() bool {
	return !s.Loading && s.User != nil
}

func (s Snapshot) clone() Snapshot {
	s.User = s.User.clone()
	return s
}

// initialSnapshot is the state before the provider has said anything.
func initialSnapshot() Snapshot {
	return Snapshot{Loading: true}
}
