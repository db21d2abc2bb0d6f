// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/samber/oops"
)

// Reset token configuration.
const (
	resetTokenBytes = 32 // 64 hex chars

	// DefaultResetTokenTTL is how long a reset token stays valid.
	DefaultResetTokenTTL = time.Hour
)

// ResetNotifier delivers a password reset token to the account owner,
// typically by email. It is called without the provider lock held.
type ResetNotifier func(ctx context.Context, email, token string)

// pendingReset is the stored half of an issued reset token.
type pendingReset struct {
	hash      string
	expiresAt time.Time
}

// generateResetToken creates a random token and the hash that is stored.
func generateResetToken() (token, hash string, err error) {
	raw := make([]byte, resetTokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("PROVIDER_RESET_TOKEN_FAILED").Wrap(err)
	}
	token = hex.EncodeToString(raw)
	return token, hashResetToken(token), nil
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// matches reports whether hash belongs to this reset and it is still valid.
func (r *pendingReset) matches(hash string, now time.Time) bool {
	if r == nil || r.hash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(r.hash), []byte(hash)) != 1 {
		return false
	}
	return now.Before(r.expiresAt)
}

// ResetPassword sets a new password for the account that token was issued
// to. The token is single-use; the account's sign-in lockout is lifted.
// The current session is not changed.
func (p *Provider) ResetPassword(ctx context.Context, token, password string) error {
	if err := ctx.Err(); err != nil {
		return oops.Wrap(err)
	}
	if token == "" {
		return oops.Code(CodeInvalidResetToken).Errorf("reset token is required")
	}
	if len(password) < minPasswordLen {
		return oops.Code(CodeWeakPassword).Errorf("password must be at least 6 characters")
	}

	tokenHash := hashResetToken(token)
	acct := p.accountForReset(tokenHash)
	if acct == nil {
		return oops.Code(CodeInvalidResetToken).Errorf("reset link is invalid or has expired")
	}

	newHash, err := p.hasher.Hash(password)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another reset may have consumed the token while hashing.
	if !acct.reset.matches(tokenHash, p.now()) {
		return oops.Code(CodeInvalidResetToken).Errorf("reset link is invalid or has expired")
	}
	acct.hash = newHash
	acct.reset = nil
	acct.failures.reset()

	p.logger.InfoContext(ctx, "password reset completed", "user_id", acct.user.ID)
	return nil
}

func (p *Provider) accountForReset(tokenHash string) *account {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, acct := range p.accounts {
		if acct.reset.matches(tokenHash, now) {
			return acct
		}
	}
	return nil
}
