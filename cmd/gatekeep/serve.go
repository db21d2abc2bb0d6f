// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/gatekeep/internal/config"
	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/logging"
	"github.com/holomush/gatekeep/internal/observability"
	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/internal/web"
)

const shutdownTimeout = 5 * time.Second

// ServeDeps holds the replaceable collaborators of the serve command.
type ServeDeps struct {
	ProviderFactory ProviderFactory
	// OnReady, if set, is called with the bound addresses once both servers
	// are listening. The metrics address is empty when metrics are disabled.
	OnReady func(webAddr, metricsAddr string)
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return newServeCmd(nil)
}

func newServeCmd(deps *ServeDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guarded web server",
		Long: `Start the web server. The session observer subscribes to the configured
identity provider and every request is guarded by the route table.
Metrics and health endpoints are served separately when metrics-addr is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cmd, cfg, deps)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServeWithDeps(ctx context.Context, cmd *cobra.Command, cfg *config.Config, deps *ServeDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.ProviderFactory == nil {
		deps.ProviderFactory = newProvider
	}

	logger := logging.SetDefault("gatekeep", version, cfg.LogFormat, cfg.Level())
	logger.Info("starting gatekeep",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"provider", cfg.Provider.Kind,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	table, err := cfg.RouteTable()
	if err != nil {
		return fmt.Errorf("invalid route table: %w", err)
	}

	var obsServer *observability.Server
	observerOpts := []session.Option{
		session.WithLogger(logger),
		session.WithResubscribe(cfg.ResubscribePolicy()),
	}
	guardOpts := []guard.Option{
		guard.WithLogger(logger),
		guard.WithRoutes(cfg.GuardRoutes()),
	}
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, nil, observability.WithLogger(logger))
		observerOpts = append(observerOpts, session.WithMetrics(obsServer.Metrics()))
		guardOpts = append(guardOpts, guard.WithMetrics(obsServer.Metrics()))
	}

	provider, closeProvider, err := deps.ProviderFactory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create identity provider: %w", err)
	}
	defer closeProvider()

	observer, err := session.NewObserver(provider, observerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create session observer: %w", err)
	}
	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session observer: %w", err)
	}
	defer observer.Stop()

	g, err := guard.New(observer, loggingNavigator(logger), guardOpts...)
	if err != nil {
		return fmt.Errorf("failed to create guard: %w", err)
	}

	app, err := web.New(observer, g,
		web.WithLogger(logger),
		web.WithRouteTable(table),
		web.WithProvider(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to create web app: %w", err)
	}

	webServer := web.NewServer(cfg.ListenAddr, app.Handler(), logger)
	webErrCh, err := webServer.Start()
	if err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	go monitorServerErrors(ctx, cancel, webErrCh, "web")

	metricsAddr := ""
	if obsServer != nil {
		obsServer.SetReadiness(observer.Ready)
		obsErrCh, err := obsServer.Start()
		if err != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := webServer.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("failed to stop web server during cleanup", "error", stopErr)
			}
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metricsAddr = obsServer.Addr()
	}

	cmd.Println("gatekeep started")
	logger.Info("gatekeep ready", "web_addr", webServer.Addr(), "metrics_addr", metricsAddr)
	if deps.OnReady != nil {
		deps.OnReady(webServer.Addr(), metricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := webServer.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping web server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// loggingNavigator records guard redirects. Requests are redirected by the
// HTTP middleware, so there is nothing else to move.
func loggingNavigator(logger *slog.Logger) guard.Navigator {
	return guard.NavigatorFunc(func(ctx context.Context, target string) error {
		logger.DebugContext(ctx, "guard navigation", "target", target)
		return nil
	})
}

// monitorServerErrors cancels ctx when a server reports a serve error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
