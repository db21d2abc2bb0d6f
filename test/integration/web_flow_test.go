// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/provider/memory"
	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/internal/web"
)

// webEnv is a full gatekeep stack over the memory provider.
type webEnv struct {
	ctx      context.Context
	cancel   context.CancelFunc
	provider *memory.Provider
	observer *session.Observer
	server   *web.Server
	client   *http.Client
	base     string
}

func setupWebEnv() *webEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	env := &webEnv{ctx: ctx, cancel: cancel}

	env.provider = memory.New(
		memory.WithHandshakeDelay(20*time.Millisecond),
		memory.WithHasher(memory.NewHasher(memory.HashParams{Memory: 1024, Threads: 1})),
	)
	Expect(env.provider.Seed(memory.Account{
		Email:       "ada@example.com",
		Password:    "lovelace",
		DisplayName: "Ada",
	})).To(Succeed())

	var err error
	env.observer, err = session.NewObserver(env.provider)
	Expect(err).NotTo(HaveOccurred())
	Expect(env.observer.Start(ctx)).To(Succeed())

	nav := guard.NavigatorFunc(func(context.Context, string) error { return nil })
	g, err := guard.New(env.observer, nav)
	Expect(err).NotTo(HaveOccurred())

	app, err := web.New(env.observer, g, web.WithProvider(env.provider))
	Expect(err).NotTo(HaveOccurred())

	env.server = web.NewServer("127.0.0.1:0", app.Handler(), nil)
	_, err = env.server.Start()
	Expect(err).NotTo(HaveOccurred())
	env.base = "http://" + env.server.Addr()

	jar, err := cookiejar.New(nil)
	Expect(err).NotTo(HaveOccurred())
	env.client = &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *webEnv) cleanup() {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = e.server.Stop(stopCtx)
	e.observer.Stop()
	e.cancel()
}

func (e *webEnv) get(path string) *http.Response {
	resp, err := e.client.Get(e.base + path)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	return resp
}

func (e *webEnv) post(path string, form url.Values) *http.Response {
	resp, err := e.client.PostForm(e.base+path, form)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	return resp
}

func (e *webEnv) sessionPayload() web.SnapshotPayload {
	resp := e.get("/session")
	var payload web.SnapshotPayload
	Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
	return payload
}

var _ = Describe("Guarded web flow", func() {
	var env *webEnv

	BeforeEach(func() {
		env = setupWebEnv()
		DeferCleanup(env.cleanup)
	})

	It("waits for the provider, then redirects signed-out visitors to the entry page", func() {
		Eventually(func() bool { return env.sessionPayload().IsLoading }).
			WithTimeout(2 * time.Second).Should(BeFalse())

		resp := env.get("/protected/profile")
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/auth/login"))

		resp = env.get("/auth/login")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("signs in, shows the profile, and signs out back to the entry page", func() {
		Eventually(func() bool { return env.sessionPayload().IsLoading }).
			WithTimeout(2 * time.Second).Should(BeFalse())

		resp := env.post("/auth/login", url.Values{"email": {"ada@example.com"}, "password": {"lovelace"}})
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/"))

		payload := env.sessionPayload()
		Expect(payload.User).NotTo(BeNil())
		Expect(payload.User.DisplayName).To(Equal("Ada"))

		resp = env.get("/protected/profile")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp = env.get("/auth/login")
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/"))

		resp = env.post("/auth/logout", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(Equal("/auth/login"))
		Expect(env.sessionPayload().User).To(BeNil())
	})

	It("keeps the session when sign-out fails", func() {
		Eventually(func() bool { return env.sessionPayload().IsLoading }).
			WithTimeout(2 * time.Second).Should(BeFalse())
		env.post("/auth/login", url.Values{"email": {"ada@example.com"}, "password": {"lovelace"}})

		env.provider.FailSignOut(context.DeadlineExceeded)
		resp := env.post("/auth/logout", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusSeeOther))
		Expect(resp.Header.Get("Location")).To(ContainSubstring("signout=failed"))
		Expect(env.sessionPayload().User).NotTo(BeNil())
	})

	It("streams session transitions as server-sent events", func() {
		Eventually(func() bool { return env.sessionPayload().IsLoading }).
			WithTimeout(2 * time.Second).Should(BeFalse())

		req, err := http.NewRequestWithContext(env.ctx, http.MethodGet, env.base+"/session/events", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))

		events := make(chan web.SnapshotPayload, 8)
		go func() {
			defer GinkgoRecover()
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					var p web.SnapshotPayload
					if json.Unmarshal([]byte(data), &p) == nil {
						events <- p
					}
				}
			}
			close(events)
		}()

		var first web.SnapshotPayload
		Eventually(events).WithTimeout(2 * time.Second).Should(Receive(&first))
		Expect(first.User).To(BeNil())

		_, err = env.provider.SignIn(env.ctx, "ada@example.com", "lovelace")
		Expect(err).NotTo(HaveOccurred())

		var next web.SnapshotPayload
		Eventually(events).WithTimeout(2 * time.Second).Should(Receive(&next))
		Expect(next.User).NotTo(BeNil())
		Expect(next.Version).To(BeNumerically(">", first.Version))
	})
})
