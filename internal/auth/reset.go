// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration. 32 random bytes encode to 64 hex characters,
// comfortably above the 50-character entropy floor for reset links.
const (
	ResetTokenBytes  = 32
	ResetTokenExpiry = time.Hour // default validity window, see WithResetTokenExpiry
)

// PasswordReset represents an outstanding password reset request. An
// account holds at most one at a time; issuing a new one replaces it.
type PasswordReset struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// NewPasswordReset creates a validated PasswordReset instance.
func NewPasswordReset(accountID ulid.ULID, tokenHash string, expiresAt time.Time) (*PasswordReset, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("RESET_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("RESET_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &PasswordReset{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}, nil
}

// IsExpired returns true if the reset token has expired.
func (r *PasswordReset) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// GenerateResetToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is embedded in the reset link sent to the user;
// only the hash is stored in the database.
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashResetToken(token)

	return token, hash, nil
}

// VerifyResetToken checks if the plaintext token matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifyResetToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashResetToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// HashResetToken computes the SHA256 hash of a reset token.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// PasswordResetRepository manages password reset persistence. The Replace
// and Consume operations carry the atomicity guarantees the recovery flow
// depends on; see their contracts.
type PasswordResetRepository interface {
	// Replace atomically removes any outstanding reset for the account and
	// stores the new one. Two concurrent issuances for the same account
	// cannot both leave a valid token behind.
	Replace(ctx context.Context, reset *PasswordReset) error

	// GetByTokenHash retrieves a reset request by its token hash.
	// Returns ErrNotFound for tokens never issued, already consumed, or
	// superseded by a newer issuance.
	GetByTokenHash(ctx context.Context, tokenHash string) (*PasswordReset, error)

	// Consume atomically deletes the unexpired reset matching tokenHash and
	// replaces the owning account's password hash, in one transaction.
	// Exactly one of any number of concurrent calls with the same token
	// succeeds; the rest observe ErrNotFound. Partial application
	// (password changed but token kept, or vice versa) cannot occur.
	Consume(ctx context.Context, tokenHash, newPasswordHash string) (ulid.ULID, error)

	// DeleteByAccount removes any outstanding reset for an account.
	DeleteByAccount(ctx context.Context, accountID ulid.ULID) error

	// DeleteExpired removes all expired reset requests and returns the
	// count of deleted records.
	DeleteExpired(ctx context.Context) (int64, error)
}
