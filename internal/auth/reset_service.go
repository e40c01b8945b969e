// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// ResetNotifier delivers a freshly minted reset token to the account owner.
// Implementations live outside this package (AMQP mail queue in production,
// a logging notifier in development).
type ResetNotifier interface {
	// SendResetToken delivers the plaintext token to the given address.
	SendResetToken(ctx context.Context, email, token string) error
}

// PasswordResetService handles the password recovery flow for users who
// cannot log in: issuing single-use reset tokens and redeeming them.
//
// The caller-visible contract is deliberately uniform: requesting a reset
// for an unknown email succeeds exactly like a known one, and redeeming an
// expired, consumed, or superseded token fails exactly like a fabricated
// one. Responses never reveal whether an email is registered.
type PasswordResetService struct {
	accounts    AccountRepository
	sessions    SessionRepository
	resets      PasswordResetRepository
	hasher      PasswordHasher
	notifier    ResetNotifier
	logger      *slog.Logger
	tokenExpiry time.Duration
}

// ResetServiceOption customizes a PasswordResetService.
type ResetServiceOption func(*PasswordResetService)

// WithResetTokenExpiry overrides the default token validity window.
// Non-positive durations are ignored.
func WithResetTokenExpiry(d time.Duration) ResetServiceOption {
	return func(s *PasswordResetService) {
		if d > 0 {
			s.tokenExpiry = d
		}
	}
}

// NewPasswordResetService creates a new PasswordResetService.
func NewPasswordResetService(accounts AccountRepository, sessions SessionRepository, resets PasswordResetRepository, hasher PasswordHasher, notifier ResetNotifier, logger *slog.Logger, opts ...ResetServiceOption) (*PasswordResetService, error) {
	if accounts == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("accounts repository is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("sessions repository is required")
	}
	if resets == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("resets repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("password hasher is required")
	}
	if notifier == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("reset notifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &PasswordResetService{
		accounts:    accounts,
		sessions:    sessions,
		resets:      resets,
		hasher:      hasher,
		notifier:    notifier,
		logger:      logger,
		tokenExpiry: ResetTokenExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RequestReset issues a reset token for the account with the given email
// and hands it to the notifier. Any previously outstanding token for the
// account is invalidated in the same step.
//
// Unknown emails return ("", nil): the caller cannot distinguish them from
// successful issuance. The returned token is the plaintext; it is never
// persisted and the caller must not log it.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) (string, error) {
	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.InfoContext(ctx, "reset requested for unknown email")
			return "", nil
		}
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get account by email").
			Wrap(err)
	}

	token, tokenHash, err := GenerateResetToken()
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate reset token").
			Wrap(err)
	}

	reset, err := NewPasswordReset(account.ID, tokenHash, time.Now().Add(s.tokenExpiry))
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "build reset record").
			Wrap(err)
	}

	// Replace is atomic: at most one outstanding token per account survives,
	// no matter how many requests race.
	if err := s.resets.Replace(ctx, reset); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "store reset record").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	if err := s.notifier.SendResetToken(ctx, account.Email, token); err != nil {
		// The token is stored but undeliverable. Leave it; a retry within
		// the expiry window replaces it.
		return "", oops.Code("RESET_NOTIFY_FAILED").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "reset token issued",
		"account_id", account.ID.String(),
		"expires_at", reset.ExpiresAt,
	)

	return token, nil
}

// ValidateToken checks whether a reset token is outstanding and unexpired,
// without consuming it. Used to decide whether to show the new-password
// form at all.
func (s *PasswordResetService) ValidateToken(ctx context.Context, token string) error {
	if token == "" {
		return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token is invalid")
	}

	reset, err := s.resets.GetByTokenHash(ctx, HashResetToken(token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token is invalid")
		}
		return oops.Code("RESET_VALIDATE_FAILED").
			With("operation", "get reset by token hash").
			Wrap(err)
	}

	if reset.IsExpired() {
		return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token is invalid")
	}

	return nil
}

// ResetPassword redeems a reset token, replacing the owning account's
// password. Consumption and password replacement happen in one atomic step
// at the repository: of any number of concurrent redemptions with the same
// token, exactly one succeeds and the rest fail with RESET_TOKEN_INVALID,
// with no partial effects.
//
// A successful reset also revokes every live session for the account and
// clears any login lockout, so the new credential is the only way in.
func (s *PasswordResetService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token is invalid")
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	accountID, err := s.resets.Consume(ctx, HashResetToken(token), newHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Never issued, expired, already consumed, or superseded; all
			// collapse into the same answer.
			return oops.Code("RESET_TOKEN_INVALID").Errorf("reset token is invalid")
		}
		return oops.Code("RESET_REDEEM_FAILED").
			With("operation", "consume reset token").
			Wrap(err)
	}

	if err := s.sessions.DeleteByAccount(ctx, accountID); err != nil {
		s.logger.WarnContext(ctx, "failed to revoke sessions after password reset",
			"account_id", accountID.String(),
			"error", err,
		)
	}

	// A completed reset proves control of the mailbox; drop any lockout so
	// the owner can log in immediately.
	if account, getErr := s.accounts.GetByID(ctx, accountID); getErr == nil {
		if account.FailedAttempts > 0 || account.LockedUntil != nil {
			account.RecordSuccess()
			account.PasswordHash = newHash
			_ = s.accounts.Update(ctx, account) //nolint:errcheck // Best effort, reset already applied
		}
	}

	s.logger.InfoContext(ctx, "password reset completed",
		"account_id", accountID.String(),
	)

	return nil
}
