// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/session"
)

// subscription delivers session changes to one listener from its own
// goroutine, in publish order.
type subscription struct {
	p  *Provider
	fn session.Notification

	mu         sync.Mutex
	queue      []*session.User
	handshaken bool
	err        error

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(p *Provider, fn session.Notification) *subscription {
	return &subscription{
		p:    p,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.p.forget(s)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// publish queues u. Changes before the handshake are covered by it and dropped.
func (s *subscription) publish(u *session.User) {
	s.mu.Lock()
	if !s.handshaken {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, copyUser(u))
	s.mu.Unlock()
	s.signal()
}

// ready queues the handshake value and opens the subscription to changes.
func (s *subscription) ready(u *session.User) {
	s.mu.Lock()
	s.handshaken = true
	s.queue = append(s.queue, copyUser(u))
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (*session.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	u := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return u, true
}

func (s *subscription) run(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.done:
		return
	case <-ctx.Done():
		s.cancelled(ctx)
		return
	case <-timer.C:
	}

	if !s.p.handshake(s) {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.cancelled(ctx)
			return
		case <-s.wake:
		}

		for {
			u, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(u)
		}
	}
}

func (s *subscription) cancelled(ctx context.Context) {
	s.p.forget(s)
	s.terminate(oops.Code(CodeStreamTerminated).Wrap(ctx.Err()))
}
