// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sessiontest provides test helpers for session consumers.
package sessiontest

import (
	"context"
	"sync"

	"github.com/holomush/gatekeep/internal/session"
)

// Provider is a session.Provider driven by the test. Notifications are
// delivered synchronously from Emit.
type Provider struct {
	mu         sync.Mutex
	subs       []*Subscription
	signOutErr error
	signOuts   int
	// SignOutEmits controls whether a successful SignOut emits an absent user.
	SignOutEmits bool
}

// NewProvider returns a Provider whose successful sign-outs emit an absent user.
func NewProvider() *Provider {
	return &Provider{SignOutEmits: true}
}

// Subscribe registers fn. Nothing is delivered until Emit.
func (p *Provider) Subscribe(_ context.Context, fn session.Notification) (session.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Subscription{fn: fn, done: make(chan struct{})}
	p.subs = append(p.subs, s)
	return s, nil
}

// SignOut fails with the error set by FailSignOut, or emits an absent user.
func (p *Provider) SignOut(_ context.Context) error {
	p.mu.Lock()
	p.signOuts++
	err := p.signOutErr
	emit := p.SignOutEmits
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if emit {
		p.Emit(nil)
	}
	return nil
}

// FailSignOut makes later sign-outs return err. A nil err clears it.
func (p *Provider) FailSignOut(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutErr = err
}

// SignOuts returns how many times SignOut was called.
func (p *Provider) SignOuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

// Emit delivers u to every open subscription.
func (p *Provider) Emit(u *session.User) {
	p.mu.Lock()
	subs := append([]*Subscription(nil), p.subs...)
	p.mu.Unlock()

	for _, s := range subs {
		s.emit(u)
	}
}

// Subscriptions returns every subscription handed out so far.
func (p *Provider) Subscriptions() []*Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Subscription(nil), p.subs...)
}

// Subscription is the handle returned by Provider.Subscribe.
type Subscription struct {
	fn        session.Notification
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	err       error
	closeOnce sync.Once
}

func (s *Subscription) emit(u *session.User) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.fn(u)
	}
}

// Terminate ends the stream from the provider side with err.
func (s *Subscription) Terminate(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether the consumer released the subscription.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done implements session.Subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err implements session.Subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements session.Subscription.
func (s *Subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
