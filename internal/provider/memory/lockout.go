// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package memory

import (
	"time"
)

// Sign-in lockout defaults.
const (
	// DefaultLockoutThreshold is the number of consecutive failures that
	// locks an account.
	DefaultLockoutThreshold = 7

	// DefaultLockoutDuration is how long a locked account refuses sign-in.
	DefaultLockoutDuration = 15 * time.Minute
)

// LockoutPolicy limits repeated sign-in failures for one account.
// A zero Threshold disables lockout.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy returns the standard lockout policy.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Threshold: DefaultLockoutThreshold,
		Duration:  DefaultLockoutDuration,
	}
}

// failureState tracks consecutive sign-in failures of one account.
type failureState struct {
	failures    int
	lockedUntil time.Time
}

// remaining returns how long the account stays locked after now.
func (f *failureState) remaining(now time.Time) time.Duration {
	if f.lockedUntil.After(now) {
		return f.lockedUntil.Sub(now)
	}
	return 0
}

// recordFailure counts a failure and reports whether it locked the account.
// The counter restarts once a lockout begins.
func (f *failureState) recordFailure(p LockoutPolicy, now time.Time) bool {
	f.failures++
	if p.Threshold <= 0 || f.failures < p.Threshold {
		return false
	}
	f.failures = 0
	f.lockedUntil = now.Add(p.Duration)
	return true
}

func (f *failureState) reset() {
	*f = failureState{}
}
