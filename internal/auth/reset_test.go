// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth_test

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/internal/auth"
)

func TestNewPasswordReset(t *testing.T) {
	accountID := ulid.Make()
	expiresAt := time.Now().Add(auth.ResetTokenExpiry)

	t.Run("creates valid reset", func(t *testing.T) {
		reset, err := auth.NewPasswordReset(accountID, "tokenhash", expiresAt)
		require.NoError(t, err)
		assert.Equal(t, accountID, reset.AccountID)
		assert.Equal(t, "tokenhash", reset.TokenHash)
		assert.Equal(t, expiresAt, reset.ExpiresAt)
		assert.False(t, reset.ID.Compare(ulid.ULID{}) == 0)
	})

	t.Run("rejects zero account ID", func(t *testing.T) {
		_, err := auth.NewPasswordReset(ulid.ULID{}, "tokenhash", expiresAt)
		assert.Error(t, err)
	})

	t.Run("rejects empty token hash", func(t *testing.T) {
		_, err := auth.NewPasswordReset(accountID, "", expiresAt)
		assert.Error(t, err)
	})

	t.Run("rejects zero expiry", func(t *testing.T) {
		_, err := auth.NewPasswordReset(accountID, "tokenhash", time.Time{})
		assert.Error(t, err)
	})
}

func TestPasswordResetIsExpired(t *testing.T) {
	accountID := ulid.Make()

	t.Run("future expiry is not expired", func(t *testing.T) {
		reset, err := auth.NewPasswordReset(accountID, "hash", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, reset.IsExpired())
	})

	t.Run("past expiry is expired", func(t *testing.T) {
		reset, err := auth.NewPasswordReset(accountID, "hash", time.Now().Add(-time.Second))
		require.NoError(t, err)
		assert.True(t, reset.IsExpired())
	})
}

func TestGenerateResetToken(t *testing.T) {
	t.Run("token is long enough for a reset link", func(t *testing.T) {
		token, hash, err := auth.GenerateResetToken()
		require.NoError(t, err)
		// 32 random bytes hex-encode to 64 characters.
		assert.GreaterOrEqual(t, len(token), 50)
		assert.Equal(t, auth.HashResetToken(token), hash)
	})

	t.Run("tokens are unique", func(t *testing.T) {
		token1, _, err := auth.GenerateResetToken()
		require.NoError(t, err)
		token2, _, err := auth.GenerateResetToken()
		require.NoError(t, err)
		assert.NotEqual(t, token1, token2)
	})
}

func TestVerifyResetToken(t *testing.T) {
	token, hash, err := auth.GenerateResetToken()
	require.NoError(t, err)

	t.Run("matching token verifies", func(t *testing.T) {
		assert.True(t, auth.VerifyResetToken(token, hash))
	})

	t.Run("non-matching token fails", func(t *testing.T) {
		other, _, err := auth.GenerateResetToken()
		require.NoError(t, err)
		assert.False(t, auth.VerifyResetToken(other, hash))
	})

	t.Run("empty inputs fail closed", func(t *testing.T) {
		assert.False(t, auth.VerifyResetToken("", hash))
		assert.False(t, auth.VerifyResetToken(token, ""))
	})
}
