// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package session mirrors an external identity provider's session into a
// single in-process snapshot.
//
// # Observer
//
// An [Observer] owns exactly one [Snapshot]. It starts in the loading state,
// holds one provider subscription for the lifetime of the application and
// rewrites the snapshot on every provider notification. Consumers read the
// latest value with [Observer.Snapshot] or register with [Observer.Watch] to
// receive every transition in order.
//
// The Observer never mutates the session on its own. Sign-out is delegated
// to the provider; the resulting "no session" notification is what clears
// the snapshot.
//
// # Stream termination
//
// When the provider's notification stream ends while the Observer is running,
// the last snapshot is kept and the Observer resubscribes with exponential
// backoff. If every attempt fails the snapshot returns to loading and stays
// there; [Observer.Err] reports why.
package session
