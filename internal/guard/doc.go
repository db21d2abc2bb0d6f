// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package guard decides which views may render for the current session
// snapshot and redirects when they may not.
//
// The decision itself is the pure function [Decide]: a loading snapshot is
// always [StateIndeterminate], a protected view without a user and a
// public-only view with a user are [StateRedirecting], and everything else
// is [StateAuthorized]. [Guard] and [View] apply that decision to mounted
// views as snapshots change, and [RouteTable] maps request paths to the
// requirement each path carries.
//
// The guard never writes the session. Sign-out is forwarded to the identity
// provider and the redirect follows from the provider's notification.
package guard
