// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/gatekeep/internal/config"
	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/logging"
	"github.com/holomush/gatekeep/internal/session"
)

// Output formats for the watch command.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// watchConfig holds configuration for the watch command.
type watchConfig struct {
	output string
	route  string
	count  int
}

// WatchEvent is one line of watch output.
type WatchEvent struct {
	Kind     string `json:"kind" yaml:"kind"`
	Version  uint64 `json:"version,omitempty" yaml:"version,omitempty"`
	Loading  bool   `json:"loading,omitempty" yaml:"loading,omitempty"`
	UserID   string `json:"userId,omitempty" yaml:"user_id,omitempty"`
	Display  string `json:"displayName,omitempty" yaml:"display_name,omitempty"`
	Route    string `json:"route,omitempty" yaml:"route,omitempty"`
	Decision string `json:"decision,omitempty" yaml:"decision,omitempty"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
}

// NewWatchCmd creates the watch subcommand.
func NewWatchCmd() *cobra.Command {
	return newWatchCmd(nil)
}

func newWatchCmd(factory ProviderFactory) *cobra.Command {
	wc := &watchConfig{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print session transitions as the provider reports them",
		Long: `Subscribe to the configured identity provider and print every session
snapshot. With --route, a guarded view for that path is mounted and its
decisions are printed as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if factory == nil {
				factory = newProvider
			}
			return runWatch(cmd, cfg, wc, factory)
		},
	}

	cmd.Flags().StringVarP(&wc.output, "output", "o", outputText, "output format (text, json or yaml)")
	cmd.Flags().StringVar(&wc.route, "route", "", "mount a guarded view for this path")
	cmd.Flags().IntVar(&wc.count, "count", 0, "exit after this many snapshots (0 = until interrupted)")
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runWatch(cmd *cobra.Command, cfg *config.Config, wc *watchConfig, factory ProviderFactory) error {
	switch wc.output {
	case outputText, outputJSON, outputYAML:
	default:
		return fmt.Errorf("unknown output format %q", wc.output)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.Setup("gatekeep", version, cfg.LogFormat, cfg.Level(), cmd.ErrOrStderr())

	provider, closeProvider, err := factory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create identity provider: %w", err)
	}
	defer closeProvider()

	observer, err := session.NewObserver(provider,
		session.WithLogger(logger),
		session.WithResubscribe(cfg.ResubscribePolicy()),
	)
	if err != nil {
		return fmt.Errorf("failed to create session observer: %w", err)
	}

	p := &eventPrinter{w: cmd.OutOrStdout(), format: wc.output}
	done := make(chan struct{})
	var seen int
	var doneOnce sync.Once

	cancelWatch := observer.Watch(func(s session.Snapshot) {
		p.print(snapshotEvent(s))
		seen++
		if wc.count > 0 && seen >= wc.count {
			doneOnce.Do(func() { close(done) })
		}
	})
	defer cancelWatch()

	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session observer: %w", err)
	}
	defer observer.Stop()

	if wc.route != "" {
		table, err := cfg.RouteTable()
		if err != nil {
			return fmt.Errorf("invalid route table: %w", err)
		}
		nav := guard.NavigatorFunc(func(_ context.Context, target string) error {
			p.print(WatchEvent{Kind: "navigate", Route: wc.route, Target: target})
			return nil
		})
		g, err := guard.New(observer, nav, guard.WithLogger(logger), guard.WithRoutes(cfg.GuardRoutes()))
		if err != nil {
			return fmt.Errorf("failed to create guard: %w", err)
		}
		view := g.Mount(ctx, wc.route, table.Requirement(wc.route), &viewPrinter{route: wc.route, p: p})
		defer view.Unmount()
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

func snapshotEvent(s session.Snapshot) WatchEvent {
	ev := WatchEvent{Kind: "snapshot", Version: s.Version, Loading: s.Loading}
	if !s.Loading && s.User != nil {
		ev.UserID = s.User.ID
		ev.Display = guard.DisplayName(s.User)
	}
	return ev
}

// eventPrinter writes events in one format. Observer deliveries never
// overlap, but navigation may be printed from a view at the same time.
type eventPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func (p *eventPrinter) print(ev WatchEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.format {
	case outputJSON:
		//nolint:errcheck,errchkjson // best-effort terminal output
		json.NewEncoder(p.w).Encode(ev)
	case outputYAML:
		data, err := yaml.Marshal(ev)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(p.w, "---\n%s", data)
	default:
		_, _ = fmt.Fprintln(p.w, formatEventText(ev))
	}
}

func formatEventText(ev WatchEvent) string {
	switch ev.Kind {
	case "snapshot":
		switch {
		case ev.Loading:
			return fmt.Sprintf("v%d loading", ev.Version)
		case ev.UserID == "":
			return fmt.Sprintf("v%d signed-out", ev.Version)
		default:
			return fmt.Sprintf("v%d signed-in %s (%s)", ev.Version, ev.Display, ev.UserID)
		}
	case "navigate":
		return fmt.Sprintf("%s -> %s", ev.Route, ev.Target)
	default:
		if ev.Display != "" {
			return fmt.Sprintf("%s %s as %s", ev.Route, ev.Decision, ev.Display)
		}
		return fmt.Sprintf("%s %s", ev.Route, ev.Decision)
	}
}

// viewPrinter is the renderer of a watched view.
type viewPrinter struct {
	route string
	p     *eventPrinter
}

func (v *viewPrinter) Waiting() {
	v.p.print(WatchEvent{Kind: "view", Route: v.route, Decision: guard.StateIndeterminate.String()})
}

func (v *viewPrinter) Render(id guard.Identity) {
	v.p.print(WatchEvent{Kind: "view", Route: v.route, Decision: guard.StateAuthorized.String(), Display: id.DisplayName})
}
