// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory implements an in-process identity provider with
// email/password accounts. It stands in for a hosted provider during local
// development and tests.
package memory

import (
	"context"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/session"
)

// Error codes returned by the provider.
const (
	CodeInvalidEmail       = session.CodeInvalidEmail
	CodeWeakPassword       = session.CodeWeakPassword
	CodeAccountExists      = session.CodeAccountExists
	CodeInvalidCredentials = session.CodeInvalidCredentials
	CodeAccountLocked      = session.CodeAccountLocked
	CodeInvalidResetToken  = session.CodeInvalidResetToken
	CodeInvalidHash        = "PROVIDER_INVALID_HASH"
	CodeSubscribeFailed    = "PROVIDER_SUBSCRIBE_FAILED"
	CodeStreamTerminated   = "PROVIDER_STREAM_TERMINATED"
)

// DefaultHandshakeDelay is how long a new subscription waits before
// delivering the current session.
const DefaultHandshakeDelay = 50 * time.Millisecond

const minPasswordLen = 6

// Account is a seed account.
type Account struct {
	Email       string
	Password    string
	DisplayName string
}

type account struct {
	user     session.User
	hash     string
	failures failureState
	reset    *pendingReset
}

// Option configures a Provider.
type Option func(*Provider)

// WithHandshakeDelay sets the delay before a new subscription receives the
// current session. Zero delivers on the next scheduler turn.
func WithHandshakeDelay(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 {
			p.handshakeDelay = d
		}
	}
}

// WithHasher replaces the password hasher.
func WithHasher(h *Hasher) Option {
	return func(p *Provider) {
		if h != nil {
			p.hasher = h
		}
	}
}

// WithLockout sets the sign-in lockout policy.
func WithLockout(policy LockoutPolicy) Option {
	return func(p *Provider) {
		p.lockout = policy
	}
}

// WithResetNotifier sets where reset tokens are sent. Without one, tokens
// are issued but only the request is logged.
func WithResetNotifier(fn ResetNotifier) Option {
	return func(p *Provider) {
		p.notifier = fn
	}
}

// WithResetTokenTTL sets how long reset tokens stay valid.
func WithResetTokenTTL(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.resetTTL = d
		}
	}
}

// WithClock replaces time.Now for lockout and token expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
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

// Provider is an in-process identity provider. It tracks one current
// session, like a browser-side auth client does.
type Provider struct {
	hasher         *Hasher
	logger         *slog.Logger
	handshakeDelay time.Duration
	lockout        LockoutPolicy
	notifier       ResetNotifier
	resetTTL       time.Duration
	now            func() time.Time

	mu           sync.Mutex
	accounts     map[string]*account // keyed by lower-cased email
	current      *session.User
	subs         map[*subscription]struct{}
	signOutErr   error
	subscribeErr error
	resets       []string
}

// New creates an empty Provider with no current session.
func New(opts ...Option) *Provider {
	p := &Provider{
		hasher:         NewHasher(HashParams{}),
		logger:         slog.New(slog.DiscardHandler),
		handshakeDelay: DefaultHandshakeDelay,
		lockout:        DefaultLockoutPolicy(),
		resetTTL:       DefaultResetTokenTTL,
		now:            time.Now,
		accounts:       make(map[string]*account),
		subs:           make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed registers accounts without signing any of them in.
func (p *Provider) Seed(accounts ...Account) error {
	for _, a := range accounts {
		if _, err := p.register(a); err != nil {
			return err
		}
	}
	return nil
}

// SignUp creates an account and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password, displayName string) (*session.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}
	u, err := p.register(Account{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.setCurrentLocked(u)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "account created", "user_id", u.ID)
	return copyUser(u), nil
}

// SignIn verifies the credentials and makes the account the current session.
// Unknown emails and wrong passwords fail the same way. Repeated failures
// lock the account as set by the lockout policy.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*session.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrap(err)
	}

	p.mu.Lock()
	acct, ok := p.accounts[normalizeEmail(email)]
	if !ok {
		p.mu.Unlock()
		return nil, oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
	}
	if remaining := acct.failures.remaining(p.now()); remaining > 0 {
		p.mu.Unlock()
		return nil, oops.Code(CodeAccountLocked).
			With("retry_after", remaining.Round(time.Second).String()).
			Errorf("too many failed sign-in attempts")
	}
	hash := acct.hash
	p.mu.Unlock()

	match, err := p.hasher.Verify(password, hash)
	if err != nil {
		return nil, oops.With("operation", "verify password").Wrap(err)
	}

	p.mu.Lock()
	if !match {
		locked := acct.failures.recordFailure(p.lockout, p.now())
		p.mu.Unlock()
		if locked {
			p.logger.WarnContext(ctx, "account locked after failed sign-ins",
				"user_id", acct.user.ID,
				"duration", p.lockout.Duration,
			)
		}
		return nil, oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
	}
	acct.failures.reset()
	u := acct.user
	p.setCurrentLocked(&u)
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "signed in", "user_id", u.ID)
	return copyUser(&u), nil
}

// SignOut ends the current session and notifies subscribers with an absent
// user. It fails with the injected error, if any, and then changes nothing.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return oops.Wrap(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signOutErr != nil {
		return p.signOutErr
	}
	p.setCurrentLocked(nil)
	return nil
}

// RequestPasswordReset issues a reset token for email and hands it to the
// reset notifier. A new request replaces any earlier token. Unknown
// addresses are accepted silently so callers cannot probe for accounts.
func (p *Provider) RequestPasswordReset(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return oops.Wrap(err)
	}
	addr, err := validateEmail(email)
	if err != nil {
		return err
	}

	token, tokenHash, err := generateResetToken()
	if err != nil {
		return err
	}

	p.mu.Lock()
	acct, ok := p.accounts[addr]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	acct.reset = &pendingReset{hash: tokenHash, expiresAt: p.now().Add(p.resetTTL)}
	p.resets = append(p.resets, addr)
	notify := p.notifier
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "password reset requested", "user_id", acct.user.ID)
	if notify != nil {
		notify(ctx, addr, token)
	}
	return nil
}

// ResetRequests returns the addresses a reset was requested for, in order.
func (p *Provider) ResetRequests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.resets...)
}

// Current returns the current session user, or nil.
func (p *Provider) Current() *session.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyUser(p.current)
}

// FailSignOut makes later sign-outs fail with err. A nil err clears it.
func (p *Provider) FailSignOut(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutErr = err
}

// FailSubscribe makes later subscribe calls fail with err. A nil err clears it.
func (p *Provider) FailSubscribe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = err
}

// Terminate ends every open subscription with err, as a dropped connection would.
func (p *Provider) Terminate(err error) {
	if err == nil {
		err = oops.Code(CodeStreamTerminated).Errorf("stream terminated by provider")
	}

	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
		delete(p.subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		s.terminate(err)
	}
}

// Subscribe registers fn. The current session is delivered after the
// handshake delay, then every change in order.
func (p *Provider) Subscribe(ctx context.Context, fn session.Notification) (session.Subscription, error) {
	if fn == nil {
		return nil, oops.Code(CodeSubscribeFailed).Errorf("notification callback is required")
	}

	p.mu.Lock()
	if p.subscribeErr != nil {
		err := p.subscribeErr
		p.mu.Unlock()
		return nil, oops.Code(CodeSubscribeFailed).Wrap(err)
	}
	s := newSubscription(p, fn)
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	go s.run(ctx, p.handshakeDelay)
	return s, nil
}

func (p *Provider) register(a Account) (*session.User, error) {
	addr, err := validateEmail(a.Email)
	if err != nil {
		return nil, err
	}
	if len(a.Password) < minPasswordLen {
		return nil, oops.Code(CodeWeakPassword).Errorf("password must be at least 6 characters")
	}

	hash, err := p.hasher.Hash(a.Password)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[addr]; exists {
		return nil, oops.Code(CodeAccountExists).
			With("email", addr).
			Errorf("an account with this email already exists")
	}

	acct := &account{
		user: session.User{
			ID:          ulid.Make().String(),
			DisplayName: strings.TrimSpace(a.DisplayName),
			Email:       addr,
		},
		hash: hash,
	}
	p.accounts[addr] = acct
	u := acct.user
	return &u, nil
}

// setCurrentLocked replaces the session and queues it for every subscriber
// past its handshake. p.mu must be held.
func (p *Provider) setCurrentLocked(u *session.User) {
	p.current = copyUser(u)
	for s := range p.subs {
		s.publish(p.current)
	}
}

// handshake queues the current session as the first delivery of s.
func (p *Provider) handshake(s *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s]; !ok {
		return false
	}
	s.ready(p.current)
	return true
}

func (p *Provider) forget(s *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, s)
}

func validateEmail(email string) (string, error) {
	addr := normalizeEmail(email)
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", oops.Code(CodeInvalidEmail).
			With("email", email).
			Errorf("invalid email address")
	}
	return addr, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func copyUser(u *session.User) *session.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
