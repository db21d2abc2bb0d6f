// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gatekeep Prometheus collectors. It satisfies both
// session.Recorder and guard.Recorder.
type Metrics struct {
	Notifications *prometheus.CounterVec
	Resubscribes  *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	Redirects     *prometheus.CounterVec
	SignOuts      *prometheus.CounterVec
}

// NewMetrics creates the gatekeep collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_session_notifications_total",
				Help: "Provider notifications applied to the session snapshot, by kind",
			},
			[]string{"kind"},
		),
		Resubscribes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_session_resubscribes_total",
				Help: "Attempts to replace a terminated provider subscription, by result",
			},
			[]string{"result"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_guard_decisions_total",
				Help: "Guard decisions, by resulting state",
			},
			[]string{"state"},
		),
		Redirects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_guard_redirects_total",
				Help: "Guard redirects, by target route",
			},
			[]string{"target"},
		),
		SignOuts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_signout_total",
				Help: "Sign-out requests, by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.Notifications, m.Resubscribes, m.Decisions, m.Redirects, m.SignOuts)
	return m
}

// RecordNotification counts one applied notification.
func (m *Metrics) RecordNotification(present bool) {
	kind := "absent"
	if present {
		kind = "user"
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

// RecordResubscribe counts one resubscription attempt.
func (m *Metrics) RecordResubscribe(ok bool) {
	m.Resubscribes.WithLabelValues(result(ok)).Inc()
}

// RecordDecision counts one guard decision.
func (m *Metrics) RecordDecision(state string) {
	m.Decisions.WithLabelValues(state).Inc()
}

// RecordRedirect counts one redirect to target.
func (m *Metrics) RecordRedirect(target string) {
	m.Redirects.WithLabelValues(target).Inc()
}

// RecordSignOut counts one sign-out request.
func (m *Metrics) RecordSignOut(ok bool) {
	m.SignOuts.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
