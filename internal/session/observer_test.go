// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/pkg/errutil"
)

// fakeProvider hands out controllable subscriptions.
type fakeProvider struct {
	mu            sync.Mutex
	subs          []*fakeSub
	subscribeErrs []error // consumed one per Subscribe call
	alwaysFail    error
	signOutErr    error
	signOuts      int
	// endWithContext makes each subscription end when its context does, as
	// network-backed providers do.
	endWithContext bool
}

type fakeSub struct {
	fn     session.Notification
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed atomic.Bool
}

func (p *fakeProvider) Subscribe(ctx context.Context, fn session.Notification) (session.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alwaysFail != nil {
		return nil, p.alwaysFail
	}
	if len(p.subscribeErrs) > 0 {
		err := p.subscribeErrs[0]
		p.subscribeErrs = p.subscribeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &fakeSub{fn: fn, done: make(chan struct{})}
	if p.endWithContext {
		context.AfterFunc(ctx, func() { s.terminate(ctx.Err()) })
	}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *fakeProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	return p.signOutErr
}

func (p *fakeProvider) sub(i int) *fakeSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.subs) {
		return nil
	}
	return p.subs[i]
}

func (p *fakeProvider) subCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (s *fakeSub) emit(u *session.User) { s.fn(u) }

func (s *fakeSub) terminate(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSub) Done() <-chan struct{} { return s.done }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { close(s.done) })
	return nil
}

type countingRecorder struct {
	mu            sync.Mutex
	present       int
	absent        int
	resubscribeOK int
	resubscribeKO int
}

func (r *countingRecorder) RecordNotification(present bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if present {
		r.present++
	} else {
		r.absent++
	}
}

func (r *countingRecorder) RecordResubscribe(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.resubscribeOK++
	} else {
		r.resubscribeKO++
	}
}

func fastPolicy(attempts uint64) session.ResubscribePolicy {
	return session.ResubscribePolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: attempts,
	}
}

func startObserver(t *testing.T, p *fakeProvider, opts ...session.Option) *session.Observer {
	t.Helper()
	obs, err := session.NewObserver(p, opts...)
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))
	t.Cleanup(obs.Stop)
	return obs
}

var (
	ada   = &session.User{ID: "u-ada", DisplayName: "Ada", Email: "ada@x.com"}
	grace = &session.User{ID: "u-grace", Email: "grace@x.com"}
)

func TestNewObserver_RequiresProvider(t *testing.T) {
	obs, err := session.NewObserver(nil)
	require.Error(t, err)
	assert.Nil(t, obs)
	errutil.AssertErrorCode(t, err, session.CodeProviderRequired)
}

func TestObserver_InitialSnapshotIsLoading(t *testing.T) {
	obs, err := session.NewObserver(&fakeProvider{})
	require.NoError(t, err)

	snap := obs.Snapshot()
	assert.True(t, snap.Loading)
	assert.Nil(t, snap.User)
	assert.False(t, snap.Authenticated())
	assert.False(t, obs.Ready())
}

func TestObserver_SnapshotEqualsLastNotification(t *testing.T) {
	tests := []struct {
		name     string
		sequence []*session.User
	}{
		{name: "single user", sequence: []*session.User{ada}},
		{name: "single absent", sequence: []*session.User{nil}},
		{name: "sign in then out", sequence: []*session.User{nil, ada, nil}},
		{name: "switch users", sequence: []*session.User{ada, grace}},
		{name: "repeated user", sequence: []*session.User{ada, ada, ada}},
		{name: "out in out in", sequence: []*session.User{nil, grace, nil, ada}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			obs := startObserver(t, p)

			for i, u := range tt.sequence {
				p.sub(0).emit(u)

				snap := obs.Snapshot()
				assert.False(t, snap.Loading)
				assert.Equal(t, uint64(i+1), snap.Version)
				if u == nil {
					assert.Nil(t, snap.User)
				} else {
					require.NotNil(t, snap.User)
					assert.Equal(t, *u, *snap.User)
				}
			}
		})
	}
}

func TestObserver_WatchReceivesLatestThenEveryTransition(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	p.sub(0).emit(ada)

	var got []session.Snapshot
	cancel := obs.Watch(func(s session.Snapshot) { got = append(got, s) })
	defer cancel()

	p.sub(0).emit(nil)
	p.sub(0).emit(grace)

	require.Len(t, got, 3)
	assert.Equal(t, "u-ada", got[0].User.ID, "new watcher must see the latest value, not the initial one")
	assert.Nil(t, got[1].User)
	assert.Equal(t, "u-grace", got[2].User.ID)
	assert.Less(t, got[0].Version, got[1].Version)
	assert.Less(t, got[1].Version, got[2].Version)
}

func TestObserver_WatchBeforeFirstNotificationSeesLoading(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	var got []session.Snapshot
	cancel := obs.Watch(func(s session.Snapshot) { got = append(got, s) })
	defer cancel()

	require.Len(t, got, 1)
	assert.True(t, got[0].Loading)
}

func TestObserver_CancelStopsDelivery(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	var calls int
	cancel := obs.Watch(func(session.Snapshot) { calls++ })
	cancel()
	cancel()

	p.sub(0).emit(ada)
	assert.Equal(t, 1, calls)
}

func TestObserver_ReentrantWatchDoesNotDeadlock(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	var inner []session.Snapshot
	var mountedInner bool
	cancel := obs.Watch(func(s session.Snapshot) {
		if s.Authenticated() && !mountedInner {
			mountedInner = true
			obs.Watch(func(s session.Snapshot) { inner = append(inner, s) })
		}
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.sub(0).emit(ada)
		p.sub(0).emit(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant Watch deadlocked")
	}

	require.Len(t, inner, 2)
	assert.Equal(t, "u-ada", inner[0].User.ID)
	assert.Nil(t, inner[1].User)
}

func TestObserver_WatcherPanicIsContained(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	cancel := obs.Watch(func(s session.Snapshot) {
		if !s.Loading {
			panic("boom")
		}
	})
	defer cancel()

	var calls int
	cancel2 := obs.Watch(func(session.Snapshot) { calls++ })
	defer cancel2()

	assert.NotPanics(t, func() { p.sub(0).emit(ada) })
	assert.Equal(t, 2, calls)

	// The queue is not wedged after a panic.
	p.sub(0).emit(nil)
	assert.Equal(t, 3, calls)
}

func TestObserver_SnapshotIsACopy(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	u := &session.User{ID: "u-1", DisplayName: "One"}
	p.sub(0).emit(u)
	u.DisplayName = "changed by provider"

	snap := obs.Snapshot()
	snap.User.DisplayName = "changed by reader"

	assert.Equal(t, "One", obs.Snapshot().User.DisplayName)
}

func TestObserver_StartTwiceFails(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	err := obs.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, session.CodeAlreadyStarted)
	assert.Equal(t, 1, p.subCount(), "exactly one subscription per observer")
}

func TestObserver_StartSubscribeError(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{alwaysFail: errors.New("provider offline")}
	obs, err := session.NewObserver(p)
	require.NoError(t, err)

	err = obs.Start(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, session.CodeSubscribeFailed)
	assert.True(t, obs.Snapshot().Loading)

	obs.Stop()
}

func TestObserver_StopReleasesSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	obs, err := session.NewObserver(p)
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))

	var calls int
	obs.Watch(func(session.Snapshot) { calls++ })

	obs.Stop()
	obs.Stop()

	assert.True(t, p.sub(0).closed.Load())

	// Late callbacks from the released subscription change nothing.
	p.sub(0).emit(ada)
	assert.True(t, obs.Snapshot().Loading)
	assert.Equal(t, 1, calls)
}

func TestObserver_StopBeforeStart(t *testing.T) {
	obs, err := session.NewObserver(&fakeProvider{})
	require.NoError(t, err)
	assert.NotPanics(t, obs.Stop)
}

func TestObserver_ContextCancelReleasesSubscription(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	obs, err := session.NewObserver(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, obs.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return p.sub(0).closed.Load() }, time.Second, 5*time.Millisecond)
	obs.Stop()
}

func TestObserver_ResubscribesAfterTermination(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	rec := &countingRecorder{}
	obs, err := session.NewObserver(p,
		session.WithResubscribe(fastPolicy(3)),
		session.WithMetrics(rec),
	)
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	first := p.sub(0)
	first.emit(ada)
	first.terminate(errors.New("connection reset"))

	require.Eventually(t, func() bool { return p.subCount() == 2 }, time.Second, time.Millisecond)

	// Last known value is kept while recovering.
	assert.Equal(t, "u-ada", obs.Snapshot().User.ID)
	assert.True(t, first.closed.Load())

	// Stale callbacks from the dead stream are ignored.
	first.emit(grace)
	assert.Equal(t, "u-ada", obs.Snapshot().User.ID)

	p.sub(1).emit(nil)
	snap := obs.Snapshot()
	assert.False(t, snap.Loading)
	assert.Nil(t, snap.User)
	assert.NoError(t, obs.Err())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.resubscribeOK)
	assert.Equal(t, 1, rec.present)
	assert.Equal(t, 1, rec.absent)
}

func TestObserver_RetriesFailedResubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	obs, err := session.NewObserver(p, session.WithResubscribe(fastPolicy(4)))
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	p.mu.Lock()
	p.subscribeErrs = []error{errors.New("busy"), errors.New("busy")}
	p.mu.Unlock()

	p.sub(0).terminate(nil)

	require.Eventually(t, func() bool { return p.subCount() == 2 }, time.Second, time.Millisecond)
	assert.NoError(t, obs.Err())
}

func TestObserver_ExhaustedResubscribeHoldsIndeterminate(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	obs, err := session.NewObserver(p, session.WithResubscribe(fastPolicy(2)))
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	var seen []session.Snapshot
	var mu sync.Mutex
	obs.Watch(func(s session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	p.sub(0).emit(ada)

	p.mu.Lock()
	p.alwaysFail = errors.New("provider gone")
	p.mu.Unlock()
	p.sub(0).terminate(errors.New("stream error"))

	require.Eventually(t, func() bool { return obs.Err() != nil }, time.Second, time.Millisecond)

	snap := obs.Snapshot()
	assert.True(t, snap.Loading)
	assert.Nil(t, snap.User)
	assert.False(t, obs.Ready())
	errutil.AssertErrorCode(t, obs.Err(), session.CodeResubscribeExhausted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.True(t, seen[len(seen)-1].Loading, "watchers are told the session is indeterminate")
}

func TestObserver_ZeroAttemptsFailsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &fakeProvider{}
	obs, err := session.NewObserver(p, session.WithResubscribe(session.ResubscribePolicy{}))
	require.NoError(t, err)
	require.NoError(t, obs.Start(context.Background()))
	defer obs.Stop()

	p.sub(0).terminate(nil)

	require.Eventually(t, func() bool { return obs.Err() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, 1, p.subCount())
	assert.True(t, obs.Snapshot().Loading)
}

func TestObserver_AwaitReturnsOncePredicateHolds(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.sub(0).emit(ada)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := obs.Await(ctx, session.Snapshot.Authenticated)
	require.NoError(t, err)
	assert.Equal(t, "u-ada", snap.User.ID)
}

func TestObserver_AwaitHonorsContext(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	snap, err := obs.Await(ctx, session.Snapshot.Authenticated)
	require.Error(t, err)
	assert.True(t, snap.Loading)
	errutil.AssertErrorCode(t, err, session.CodeAwaitCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestObserver_SignOutDelegatesToProvider(t *testing.T) {
	p := &fakeProvider{}
	obs := startObserver(t, p)
	p.sub(0).emit(ada)

	require.NoError(t, obs.SignOut(context.Background()))
	assert.Equal(t, 1, p.signOuts)
	assert.Equal(t, "u-ada", obs.Snapshot().User.ID, "snapshot only changes on notification")
}

func TestObserver_SignOutError(t *testing.T) {
	cause := errors.New("network down")
	p := &fakeProvider{signOutErr: cause}
	obs := startObserver(t, p)

	err := obs.SignOut(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	errutil.AssertErrorContext(t, err, "operation", "provider sign-out")
}

func TestObserver_StopIsNotAStreamTermination(t *testing.T) {
	for i := 0; i < 25; i++ {
		var logs bytes.Buffer
		p := &fakeProvider{endWithContext: true}
		rec := &countingRecorder{}
		obs, err := session.NewObserver(p,
			session.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
			session.WithMetrics(rec),
			session.WithResubscribe(fastPolicy(3)),
		)
		require.NoError(t, err)
		require.NoError(t, obs.Start(context.Background()))
		p.sub(0).emit(ada)

		obs.Stop()

		require.Equal(t, 1, p.subCount(), "no resubscribe on shutdown")
		require.NotContains(t, logs.String(), "session stream terminated")
		rec.mu.Lock()
		require.Zero(t, rec.resubscribeOK+rec.resubscribeKO)
		rec.mu.Unlock()
		assert.Nil(t, obs.Err())
	}
}

func TestObserver_WatchersCountsRegistrations(t *testing.T) {
	obs := startObserver(t, &fakeProvider{})
	assert.Zero(t, obs.Watchers())

	cancelA := obs.Watch(func(session.Snapshot) {})
	cancelB := obs.Watch(func(session.Snapshot) {})
	assert.Equal(t, 2, obs.Watchers())

	cancelA()
	cancelA()
	assert.Equal(t, 1, obs.Watchers())
	cancelB()
	assert.Zero(t, obs.Watchers())
}
