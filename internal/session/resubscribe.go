// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package session

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Default resubscription settings.
const (
	DefaultResubscribeBaseDelay   = 250 * time.Millisecond
	DefaultResubscribeMaxDelay    = 10 * time.Second
	DefaultResubscribeMaxAttempts = 8
)

// ResubscribePolicy controls how the Observer recovers a terminated stream.
// MaxAttempts of zero disables recovery: the first termination is final.
type ResubscribePolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint64
}

// DefaultResubscribePolicy returns the policy used when none is configured.
func DefaultResubscribePolicy() ResubscribePolicy {
	return ResubscribePolicy{
		BaseDelay:   DefaultResubscribeBaseDelay,
		MaxDelay:    DefaultResubscribeMaxDelay,
		MaxAttempts: DefaultResubscribeMaxAttempts,
	}
}

func (p ResubscribePolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultResubscribeBaseDelay
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	// The first attempt is not a retry.
	return retry.WithMaxRetries(p.MaxAttempts-1, b)
}

// resubscribe replaces a terminated subscription. It returns the last
// subscribe error once the policy is exhausted.
func (o *Observer) resubscribe(ctx context.Context) (Subscription, error) {
	if o.policy.MaxAttempts == 0 {
		return nil, oops.Code(CodeResubscribeExhausted).Errorf("resubscription disabled")
	}

	var (
		sub     Subscription
		attempt int
	)
	err := retry.Do(ctx, o.policy.backoff(), func(ctx context.Context) error {
		attempt++
		s, err := o.subscribe(ctx)
		if err != nil {
			o.metrics.RecordResubscribe(false)
			o.logger.Warn("resubscribe attempt failed",
				"attempt", attempt,
				"max_attempts", o.policy.MaxAttempts,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, oops.Code(CodeResubscribeExhausted).
			With("attempts", attempt).
			Wrap(err)
	}

	o.metrics.RecordResubscribe(true)
	o.logger.Info("resubscribed to session stream", "attempt", attempt)
	return sub, nil
}
