// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/holomush/gatekeep/pkg/errutil"
)

// Error codes returned by the Observer.
const (
	CodeProviderRequired     = "OBSERVER_PROVIDER_REQUIRED"
	CodeAlreadyStarted       = "OBSERVER_ALREADY_STARTED"
	CodeSubscribeFailed      = "OBSERVER_SUBSCRIBE_FAILED"
	CodeStreamTerminated     = "OBSERVER_STREAM_TERMINATED"
	CodeResubscribeExhausted = "OBSERVER_RESUBSCRIBE_EXHAUSTED"
	CodeAwaitCanceled        = "OBSERVER_AWAIT_CANCELED"
)

// Recorder receives Observer metrics.
type Recorder interface {
	RecordNotification(present bool)
	RecordResubscribe(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotification(bool) {}
func (nopRecorder) RecordResubscribe(bool)  {}

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(o *Observer) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithResubscribe sets the stream recovery policy.
func WithResubscribe(p ResubscribePolicy) Option {
	return func(o *Observer) {
		o.policy = p
	}
}

type watcher struct {
	fn     func(Snapshot)
	active atomic.Bool
}

// delivery is one queued fan-out of a snapshot to a fixed set of watchers.
type delivery struct {
	snap    Snapshot
	targets []*watcher
}

// Observer owns the process-wide session snapshot.
type Observer struct {
	provider Provider
	logger   *slog.Logger
	metrics  Recorder
	policy   ResubscribePolicy

	mu       sync.Mutex
	snap     Snapshot
	err      error
	gen      uint64 // current subscription generation; stale callbacks are dropped
	watchers map[uint64]*watcher
	nextID   uint64
	queue    []delivery
	draining bool
	changed  chan struct{} // closed and replaced on every snapshot change

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewObserver creates an Observer in the loading state. It does not contact
// the provider until Start.
func NewObserver(provider Provider, opts ...Option) (*Observer, error) {
	if provider == nil {
		return nil, oops.Code(CodeProviderRequired).Errorf("identity provider is required")
	}

	o := &Observer{
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
		metrics:  nopRecorder{},
		policy:   DefaultResubscribePolicy(),
		snap:     initialSnapshot(),
		watchers: make(map[uint64]*watcher),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start registers the one provider subscription and begins supervising it.
// The subscription lives until Stop is called or ctx ends.
func (o *Observer) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.running {
		return oops.Code(CodeAlreadyStarted).Errorf("observer already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := o.subscribe(runCtx)
	if err != nil {
		cancel()
		return oops.Code(CodeSubscribeFailed).
			With("operation", "subscribe to provider").
			Wrap(err)
	}

	o.running = true
	o.cancel = cancel
	o.wg.Add(1)
	go o.supervise(runCtx, sub)

	o.logger.Debug("session observer started")
	return nil
}

// Stop releases the provider subscription and waits for the supervisor to
// exit. Registered watchers receive nothing further. Safe to call more than
// once, and before Start.
//
// Stop must not be called from inside a Watch callback.
func (o *Observer) Stop() {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if !o.running {
		return
	}
	o.running = false
	o.cancel()
	o.wg.Wait()

	o.mu.Lock()
	for id, w := range o.watchers {
		w.active.Store(false)
		delete(o.watchers, id)
	}
	o.mu.Unlock()

	o.logger.Debug("session observer stopped")
}

// Snapshot returns the current snapshot.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.clone()
}

// Ready reports whether the provider has delivered a usable snapshot.
func (o *Observer) Ready() bool {
	return !o.Snapshot().Loading
}

// Err returns the error that made the stream unrecoverable, if any.
func (o *Observer) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Watch registers fn for snapshot transitions. fn is called first with the
// latest snapshot and then with every later one, in order. Calls never
// overlap. The returned cancel func stops further calls.
func (o *Observer) Watch(fn func(Snapshot)) (cancel func()) {
	w := &watcher{fn: fn}
	w.active.Store(true)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.watchers[id] = w
	o.queue = append(o.queue, delivery{snap: o.snap.clone(), targets: []*watcher{w}})
	o.drainLocked()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.active.Store(false)
			o.mu.Lock()
			delete(o.watchers, id)
			o.mu.Unlock()
		})
	}
}

// Watchers returns how many watchers are registered.
func (o *Observer) Watchers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.watchers)
}

// Await blocks until pred holds for the current snapshot or ctx ends.
func (o *Observer) Await(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		o.mu.Lock()
		snap := o.snap.clone()
		changed := o.changed
		o.mu.Unlock()

		if pred(snap) {
			return snap, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return snap, oops.Code(CodeAwaitCanceled).Wrap(ctx.Err())
		}
	}
}

// SignOut asks the provider to end the session. The snapshot changes only
// when the provider's notification arrives.
func (o *Observer) SignOut(ctx context.Context) error {
	if err := o.provider.SignOut(ctx); err != nil {
		return oops.With("operation", "provider sign-out").Wrap(err)
	}
	return nil
}

func (o *Observer) subscribe(ctx context.Context) (Subscription, error) {
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	//nolint:wrapcheck // callers attach the error code
	return o.provider.Subscribe(ctx, func(user *User) {
		o.apply(gen, user)
	})
}

// apply handles one provider notification for subscription generation gen.
func (o *Observer) apply(gen uint64, user *User) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		o.logger.Debug("dropping notification from released subscription", "generation", gen)
		return
	}

	o.setLocked(Snapshot{User: user.clone(), Loading: false})
	o.metrics.RecordNotification(user != nil)
	o.drainLocked()
}

// fail marks the stream unrecoverable: the session is indeterminate from now on.
func (o *Observer) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.gen++
	o.setLocked(Snapshot{Loading: true})
	o.drainLocked()

	errutil.LogError(o.logger, "session stream unrecoverable, holding indeterminate state", err)
}

// setLocked installs snap as current and queues its fan-out. o.mu must be held.
func (o *Observer) setLocked(snap Snapshot) {
	snap.Version = o.snap.Version + 1
	o.snap = snap

	targets := make([]*watcher, 0, len(o.watchers))
	for _, w := range o.watchers {
		targets = append(targets, w)
	}
	o.queue = append(o.queue, delivery{snap: snap, targets: targets})

	close(o.changed)
	o.changed = make(chan struct{})
}

// drainLocked delivers queued snapshots until the queue is empty. Whoever
// finds the queue idle drains it; everyone else just enqueues. This keeps
// deliveries ordered and lets callbacks re-enter Watch without deadlock.
// o.mu must be held on entry and is released on return.
func (o *Observer) drainLocked() {
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true

	for len(o.queue) > 0 {
		d := o.queue[0]
		o.queue[0] = delivery{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		for _, w := range d.targets {
			if w.active.Load() {
				o.deliver(w, d.snap)
			}
		}

		o.mu.Lock()
	}

	o.draining = false
	o.mu.Unlock()
}

func (o *Observer) deliver(w *watcher, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("session watcher panicked", "panic", r, "version", snap.Version)
		}
	}()
	w.fn(snap.clone())
}

// supervise owns the live subscription until ctx ends, replacing it when
// the provider terminates the stream.
func (o *Observer) supervise(ctx context.Context, sub Subscription) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.release(sub)
			return
		case <-sub.Done():
		}
		// Providers may end the stream because ctx ended; that is a shutdown.
		if ctx.Err() != nil {
			o.release(sub)
			return
		}

		cause := sub.Err()
		if cause == nil {
			cause = oops.Errorf("notification stream closed by provider")
		}
		o.release(sub)
		errutil.LogError(o.logger, "session stream terminated",
			oops.Code(CodeStreamTerminated).Wrap(cause))

		next, err := o.resubscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.fail(err)
			return
		}
		sub = next
	}
}

// release closes sub and invalidates its callbacks.
func (o *Observer) release(sub Subscription) {
	o.mu.Lock()
	o.gen++
	o.mu.Unlock()

	if err := sub.Close(); err != nil {
		o.logger.Warn("error releasing session subscription", "error", err)
	}
}
