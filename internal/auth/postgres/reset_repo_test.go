// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/internal/auth"
	"github.com/polystore/polystore/pkg/errutil"
)

func testReset() *auth.PasswordReset {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &auth.PasswordReset{
		ID:        ulid.Make(),
		AccountID: ulid.Make(),
		TokenHash: "tokenhash",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestPasswordResetRepository_Replace(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces outstanding reset in one transaction", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		reset := testReset()
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM password_resets WHERE account_id`).
			WithArgs(reset.AccountID.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		mock.ExpectExec(`INSERT INTO password_resets`).
			WithArgs(reset.ID.String(), reset.AccountID.String(), reset.TokenHash, reset.ExpiresAt, reset.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		repo := NewPasswordResetRepository(mock)
		require.NoError(t, repo.Replace(ctx, reset))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls the delete back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		reset := testReset()
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM password_resets WHERE account_id`).
			WithArgs(reset.AccountID.String()).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mock.ExpectExec(`INSERT INTO password_resets`).
			WithArgs(reset.ID.String(), reset.AccountID.String(), reset.TokenHash, reset.ExpiresAt, reset.CreatedAt).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		repo := NewPasswordResetRepository(mock)
		err = repo.Replace(ctx, reset)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "RESET_REPLACE_FAILED")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPasswordResetRepository_GetByTokenHash(t *testing.T) {
	ctx := context.Background()

	t.Run("returns reset", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		reset := testReset()
		rows := pgxmock.NewRows([]string{"id", "account_id", "token_hash", "expires_at", "created_at"}).
			AddRow(reset.ID.String(), reset.AccountID.String(), reset.TokenHash, reset.ExpiresAt, reset.CreatedAt)
		mock.ExpectQuery(`SELECT id, account_id, token_hash, expires_at, created_at`).
			WithArgs("tokenhash").
			WillReturnRows(rows)

		repo := NewPasswordResetRepository(mock)
		got, err := repo.GetByTokenHash(ctx, "tokenhash")
		require.NoError(t, err)
		assert.Equal(t, reset.AccountID, got.AccountID)
	})

	t.Run("missing reset wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT id, account_id, token_hash, expires_at, created_at`).
			WithArgs("unknown").
			WillReturnRows(pgxmock.NewRows([]string{"id", "account_id", "token_hash", "expires_at", "created_at"}))

		repo := NewPasswordResetRepository(mock)
		_, err = repo.GetByTokenHash(ctx, "unknown")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})
}

func TestPasswordResetRepository_Consume(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes reset and updates password atomically", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		accountID := ulid.Make()
		mock.ExpectBegin()
		mock.ExpectQuery(`DELETE FROM password_resets`).
			WithArgs("tokenhash", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"account_id"}).AddRow(accountID.String()))
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(accountID.String(), "newhash", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		repo := NewPasswordResetRepository(mock)
		got, err := repo.Consume(ctx, "tokenhash", "newhash")
		require.NoError(t, err)
		assert.Equal(t, accountID, got)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown or expired token wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`DELETE FROM password_resets`).
			WithArgs("unknown", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"account_id"}))
		mock.ExpectRollback()

		repo := NewPasswordResetRepository(mock)
		_, err = repo.Consume(ctx, "unknown", "newhash")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
		errutil.AssertErrorCode(t, err, "RESET_NOT_FOUND")
	})

	t.Run("vanished account rolls the consume back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		accountID := ulid.Make()
		mock.ExpectBegin()
		mock.ExpectQuery(`DELETE FROM password_resets`).
			WithArgs("tokenhash", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"account_id"}).AddRow(accountID.String()))
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(accountID.String(), "newhash", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()

		repo := NewPasswordResetRepository(mock)
		_, err = repo.Consume(ctx, "tokenhash", "newhash")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPasswordResetRepository_DeleteExpired(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`DELETE FROM password_resets WHERE expires_at`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	repo := NewPasswordResetRepository(mock)
	count, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
