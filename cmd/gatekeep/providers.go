// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/gatekeep/internal/config"
	"github.com/holomush/gatekeep/internal/provider/memory"
	"github.com/holomush/gatekeep/internal/provider/redis"
	"github.com/holomush/gatekeep/internal/session"
	"github.com/holomush/gatekeep/internal/web"
)

// ProviderFactory builds the configured identity provider. The returned
// close func releases whatever the provider holds and is never nil.
type ProviderFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Provider, func(), error)

// newProvider is the default ProviderFactory.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Provider, func(), error) {
	switch cfg.Provider.Kind {
	case config.ProviderRedis:
		return newRedisProvider(ctx, cfg.Provider.Redis, logger)
	default:
		p, err := newMemoryProvider(cfg.Provider.Memory, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
}

func newMemoryProvider(cfg config.MemoryConfig, logger *slog.Logger) (*memory.Provider, error) {
	p := memory.New(
		memory.WithHandshakeDelay(cfg.HandshakeDelay),
		memory.WithLockout(memory.LockoutPolicy{
			Threshold: cfg.LockoutThreshold,
			Duration:  cfg.LockoutDuration,
		}),
		memory.WithResetNotifier(func(ctx context.Context, email, token string) {
			logger.InfoContext(ctx, "password reset link issued",
				"email", email,
				"link", web.ResetConfirmLink(token),
			)
		}),
		memory.WithLogger(logger),
	)

	accounts := make([]memory.Account, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		accounts = append(accounts, memory.Account{
			Email:       u.Email,
			Password:    u.Password,
			DisplayName: u.DisplayName,
		})
	}
	if err := p.Seed(accounts...); err != nil {
		return nil, oops.With("operation", "seed memory provider").Wrap(err)
	}

	logger.Info("memory identity provider ready", "accounts", len(accounts))
	return p, nil
}

func newRedisProvider(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (session.Provider, func(), error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	closeClient := func() {
		if err := rdb.Close(); err != nil {
			logger.Debug("error closing redis client", "error", err)
		}
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		closeClient()
		return nil, nil, oops.Code("REDIS_UNREACHABLE").With("addr", cfg.Addr).Wrap(err)
	}

	p, err := redis.New(rdb, redis.WithPrefix(cfg.Prefix), redis.WithLogger(logger))
	if err != nil {
		closeClient()
		return nil, nil, err
	}

	logger.Info("redis identity provider ready", "addr", cfg.Addr, "session_key", p.SessionKey())
	return p, closeClient, nil
}
