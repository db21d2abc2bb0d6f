// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/provider/redis"
	"github.com/holomush/gatekeep/internal/session"
)

// redisEnv holds a Redis container and two providers sharing it, one
// standing in for the process that signs users in.
type redisEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	observed  *goredis.Client
	writer    *goredis.Client
	provider  *redis.Provider
	signer    *redis.Provider
}

func setupRedisEnv() (*redisEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	env := &redisEnv{ctx: ctx, cancel: cancel}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.observed = goredis.NewClient(&goredis.Options{Addr: endpoint})
	env.writer = goredis.NewClient(&goredis.Options{Addr: endpoint})

	if env.provider, err = redis.New(env.observed, redis.WithPrefix("itest")); err != nil {
		env.cleanup()
		return nil, err
	}
	if env.signer, err = redis.New(env.writer, redis.WithPrefix("itest")); err != nil {
		env.cleanup()
		return nil, err
	}
	return env, nil
}

func (e *redisEnv) cleanup() {
	if e.observed != nil {
		_ = e.observed.Close()
	}
	if e.writer != nil {
		_ = e.writer.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(context.Background())
	}
	e.cancel()
}

// viewRecorder remembers what a mounted view was told to show.
type viewRecorder struct {
	rendered chan guard.Identity
	targets  chan string
}

func newViewRecorder() *viewRecorder {
	return &viewRecorder{
		rendered: make(chan guard.Identity, 8),
		targets:  make(chan string, 8),
	}
}

func (r *viewRecorder) Waiting()                 {}
func (r *viewRecorder) Render(id guard.Identity) { r.rendered <- id }

func (r *viewRecorder) Navigate(_ context.Context, target string) error {
	r.targets <- target
	return nil
}

var _ = Describe("Redis identity provider", Ordered, func() {
	var env *redisEnv

	BeforeAll(func() {
		var err error
		env, err = setupRedisEnv()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(env.cleanup)
	})

	BeforeEach(func() {
		Expect(env.signer.SignOut(env.ctx)).To(Succeed())
	})

	It("delivers sessions written by another client to the observer", func() {
		observer, err := session.NewObserver(env.provider)
		Expect(err).NotTo(HaveOccurred())
		Expect(observer.Start(env.ctx)).To(Succeed())
		DeferCleanup(observer.Stop)

		snap, err := observer.Await(env.ctx, func(s session.Snapshot) bool { return !s.Loading })
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.User).To(BeNil())

		Expect(env.signer.SignIn(env.ctx, session.User{ID: "u1", DisplayName: "Ada"})).To(Succeed())

		snap, err = observer.Await(env.ctx, session.Snapshot.Authenticated)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.User.ID).To(Equal("u1"))
	})

	It("redirects a protected view when the session ends elsewhere", func() {
		Expect(env.signer.SignIn(env.ctx, session.User{ID: "u2", Email: "grace@example.com"})).To(Succeed())

		observer, err := session.NewObserver(env.provider)
		Expect(err).NotTo(HaveOccurred())
		Expect(observer.Start(env.ctx)).To(Succeed())
		DeferCleanup(observer.Stop)

		rec := newViewRecorder()
		g, err := guard.New(observer, rec)
		Expect(err).NotTo(HaveOccurred())

		view := g.Mount(env.ctx, "profile", guard.RequireSession, rec)
		DeferCleanup(view.Unmount)

		var id guard.Identity
		Eventually(rec.rendered).WithTimeout(2 * time.Second).Should(Receive(&id))
		Expect(id.DisplayName).To(Equal("grace"))

		Expect(env.signer.SignOut(env.ctx)).To(Succeed())

		var target string
		Eventually(rec.targets).WithTimeout(2 * time.Second).Should(Receive(&target))
		Expect(target).To(Equal(guard.DefaultEntryRoute))
		Expect(view.State()).To(Equal(guard.StateRedirecting))
	})

	It("signs out through the observer", func() {
		Expect(env.signer.SignIn(env.ctx, session.User{ID: "u3"})).To(Succeed())

		observer, err := session.NewObserver(env.provider)
		Expect(err).NotTo(HaveOccurred())
		Expect(observer.Start(env.ctx)).To(Succeed())
		DeferCleanup(observer.Stop)

		_, err = observer.Await(env.ctx, session.Snapshot.Authenticated)
		Expect(err).NotTo(HaveOccurred())

		Expect(observer.SignOut(env.ctx)).To(Succeed())
		snap, err := observer.Await(env.ctx, func(s session.Snapshot) bool { return !s.Loading && s.User == nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Version).To(BeNumerically(">=", 2))

		current, err := env.signer.Current(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(current).To(BeNil())
	})
})
