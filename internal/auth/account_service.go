// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"
)

// Password policy constraints. The upper bound guards the hasher against
// pathological inputs; argon2id itself has no practical length limit.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// ValidatePassword validates a candidate password against policy.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrEmptyPassword
	}
	if len(password) < MinPasswordLength {
		return oops.Code("AUTH_VALIDATION_FAILED").
			With("min", MinPasswordLength).
			Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return oops.Code("AUTH_VALIDATION_FAILED").
			With("max", MaxPasswordLength).
			Errorf("password must be at most %d characters", MaxPasswordLength)
	}
	return nil
}

// AccountService handles account lifecycle: registration and authenticated
// password changes. Password recovery for users who cannot log in lives in
// PasswordResetService.
type AccountService struct {
	accounts AccountRepository
	sessions SessionRepository
	resets   PasswordResetRepository
	hasher   PasswordHasher
	logger   *slog.Logger
}

// NewAccountService creates a new AccountService.
func NewAccountService(accounts AccountRepository, sessions SessionRepository, resets PasswordResetRepository, hasher PasswordHasher, logger *slog.Logger) (*AccountService, error) {
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
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{
		accounts: accounts,
		sessions: sessions,
		resets:   resets,
		hasher:   hasher,
		logger:   logger,
	}, nil
}

// Register creates a new customer account with the given credentials.
// Returns ACCOUNT_EXISTS when the username or email is already taken.
func (s *AccountService) Register(ctx context.Context, username, email, password string) (*Account, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	account, err := NewAccount(username, email, passwordHash, nil)
	if err != nil {
		return nil, err
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, oops.Code("ACCOUNT_EXISTS").
				With("username", username).
				Errorf("username or email is already registered")
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create account").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "account registered",
		"account_id", account.ID.String(),
		"username", account.Username,
	)

	return account, nil
}

// ChangePassword replaces the password for the account owning the session.
// The session is the sole authority for which account changes: callers
// cannot name a different account. All other sessions for the account are
// revoked, as is any outstanding password reset, so stale credentials and
// recovery links die with the old password.
func (s *AccountService) ChangePassword(ctx context.Context, session *Session, newPassword string) error {
	if session == nil {
		return oops.Code("SESSION_INVALID").Errorf("session is required")
	}
	if session.IsExpired() {
		return oops.Code("SESSION_EXPIRED").Errorf("session has expired")
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := s.accounts.UpdatePassword(ctx, session.AccountID, newHash); err != nil {
		return oops.Code("AUTH_CHANGE_PASSWORD_FAILED").
			With("operation", "update password").
			With("account_id", session.AccountID.String()).
			Wrap(err)
	}

	// Revoke everything else that could still authenticate as this account.
	if err := s.resets.DeleteByAccount(ctx, session.AccountID); err != nil {
		s.logger.WarnContext(ctx, "failed to clear outstanding reset after password change",
			"account_id", session.AccountID.String(),
			"error", err,
		)
	}
	if err := s.revokeOtherSessions(ctx, session); err != nil {
		s.logger.WarnContext(ctx, "failed to revoke other sessions after password change",
			"account_id", session.AccountID.String(),
			"error", err,
		)
	}

	s.logger.InfoContext(ctx, "password changed",
		"account_id", session.AccountID.String(),
	)

	return nil
}

// revokeOtherSessions drops every session for the account except the one
// performing the change, then re-creates the current one so the caller
// stays logged in.
func (s *AccountService) revokeOtherSessions(ctx context.Context, session *Session) error {
	if err := s.sessions.DeleteByAccount(ctx, session.AccountID); err != nil {
		return err
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return err
	}
	return nil
}
