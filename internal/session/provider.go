// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import "context"

// Error codes shared by providers for failures a user can act on. The
// presentation layer maps these to messages without knowing the provider.
const (
	CodeInvalidEmail       = "PROVIDER_INVALID_EMAIL"
	CodeWeakPassword       = "PROVIDER_WEAK_PASSWORD"
	CodeAccountExists      = "PROVIDER_ACCOUNT_EXISTS"
	CodeInvalidCredentials = "PROVIDER_INVALID_CREDENTIALS"
	CodeAccountLocked      = "PROVIDER_ACCOUNT_LOCKED"
	CodeInvalidResetToken  = "PROVIDER_INVALID_RESET_TOKEN"
)

// Notification receives one session-change event. A nil user is the
// absent-session marker (signed out, or no session at all).
type Notification func(user *User)

// Provider is the identity service the Observer mirrors.
//
// Implementations must invoke a subscription's Notification sequentially,
// in the order the changes happened, and must deliver the current session
// state once shortly after Subscribe returns.
type Provider interface {
	// Subscribe registers fn for session changes until the returned
	// Subscription is closed or ctx ends.
	Subscribe(ctx context.Context, fn Notification) (Subscription, error)

	// SignOut ends the current session at the provider. Success is reported
	// to subscribers as a nil-user notification.
	SignOut(ctx context.Context) error
}

// Subscription is a cancellable handle on a provider notification stream.
type Subscription interface {
	// Done is closed once the stream has terminated for any reason.
	Done() <-chan struct{}

	// Err returns the error that terminated the stream, or nil if it was
	// released through Close.
	Err() error

	// Close releases the listener. Safe to call more than once.
	Close() error
}
