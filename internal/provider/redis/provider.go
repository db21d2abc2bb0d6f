// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis implements a session.Provider backed by Redis. The current
// session is stored under <prefix>:session and every change is published on
// <prefix>:events as a JSON user, or null when the session ends.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/session"
)

// Error codes returned by the provider.
const (
	CodeClientRequired   = "PROVIDER_CLIENT_REQUIRED"
	CodeInvalidUser      = "PROVIDER_INVALID_USER"
	CodeSubscribeFailed  = "PROVIDER_SUBSCRIBE_FAILED"
	CodeStreamTerminated = "PROVIDER_STREAM_TERMINATED"
	CodeStoreFailed      = "PROVIDER_STORE_FAILED"
	CodeMalformedPayload = "PROVIDER_MALFORMED_PAYLOAD"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "gatekeep"

// Option configures a Provider.
type Option func(*Provider)

// WithPrefix sets the key and channel prefix.
func WithPrefix(prefix string) Option {
	return func(p *Provider) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Provider mirrors a session kept in Redis.
type Provider struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger
}

// New creates a Provider using rdb. The caller owns rdb.
func New(rdb *goredis.Client, opts ...Option) (*Provider, error) {
	if rdb == nil {
		return nil, oops.Code(CodeClientRequired).Errorf("redis client is required")
	}
	p := &Provider{
		rdb:    rdb,
		prefix: DefaultPrefix,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// SessionKey returns the key holding the current session.
func (p *Provider) SessionKey() string {
	return p.prefix + ":session"
}

// EventsChannel returns the channel session changes are published on.
func (p *Provider) EventsChannel() string {
	return p.prefix + ":events"
}

// Current reads the stored session. It returns nil when there is none.
func (p *Provider) Current(ctx context.Context) (*session.User, error) {
	raw, err := p.rdb.Get(ctx, p.SessionKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code(CodeStoreFailed).
			With("key", p.SessionKey()).
			Wrap(err)
	}
	return decodeUser(raw)
}

// SignIn stores u as the current session and announces it.
func (p *Provider) SignIn(ctx context.Context, u session.User) error {
	if u.ID == "" {
		return oops.Code(CodeInvalidUser).Errorf("user id is required")
	}
	data, err := json.Marshal(u)
	if err != nil {
		return oops.Code(CodeInvalidUser).Wrap(err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, p.SessionKey(), data, 0)
		pipe.Publish(ctx, p.EventsChannel(), data)
		return nil
	})
	if err != nil {
		return oops.Code(CodeStoreFailed).
			With("operation", "sign-in").
			Wrap(err)
	}
	p.logger.InfoContext(ctx, "session stored", "user_id", u.ID)
	return nil
}

// SignOut removes the stored session and announces its absence.
func (p *Provider) SignOut(ctx context.Context) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, p.SessionKey())
		pipe.Publish(ctx, p.EventsChannel(), "null")
		return nil
	})
	if err != nil {
		return oops.Code(CodeStoreFailed).
			With("operation", "sign-out").
			Wrap(err)
	}
	p.logger.InfoContext(ctx, "session removed")
	return nil
}

// Subscribe listens on the events channel, then delivers the stored session
// as the handshake followed by every published change. Subscribing before
// reading means no change can fall between the two.
func (p *Provider) Subscribe(ctx context.Context, fn session.Notification) (session.Subscription, error) {
	if fn == nil {
		return nil, oops.Code(CodeSubscribeFailed).Errorf("notification callback is required")
	}

	ps := p.rdb.Subscribe(ctx, p.EventsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, oops.Code(CodeSubscribeFailed).
			With("channel", p.EventsChannel()).
			Wrap(err)
	}

	initial, err := p.Current(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, oops.Code(CodeSubscribeFailed).Wrap(err)
	}

	s := &subscription{
		ps:     ps,
		fn:     fn,
		logger: p.logger,
		done:   make(chan struct{}),
	}
	s.stopOnCancel = context.AfterFunc(ctx, func() {
		s.finish(oops.Code(CodeStreamTerminated).Wrap(context.Cause(ctx)))
	})

	s.wg.Add(1)
	go s.run(initial)
	return s, nil
}

type subscription struct {
	ps           *goredis.PubSub
	fn           session.Notification
	logger       *slog.Logger
	stopOnCancel func() bool

	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the Redis subscription and waits for the reader to exit.
func (s *subscription) Close() error {
	s.stopOnCancel()
	s.finish(nil)
	s.wg.Wait()
	return nil
}

// finish ends the stream once, recording err as the cause.
func (s *subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		_ = s.ps.Close()
	})
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) run(initial *session.User) {
	defer s.wg.Done()

	s.fn(initial)

	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if !s.closed() {
				s.finish(oops.Code(CodeStreamTerminated).Wrap(err))
			}
			return
		}
		if s.closed() {
			return
		}

		u, err := decodeUser(msg.Payload)
		if err != nil {
			s.logger.Warn("skipping malformed session event",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}
		s.fn(u)
	}
}

func decodeUser(raw string) (*session.User, error) {
	var u *session.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, oops.Code(CodeMalformedPayload).Wrap(err)
	}
	if u != nil && u.ID == "" {
		return nil, oops.Code(CodeMalformedPayload).Errorf("session user has no id")
	}
	return u, nil
}
