// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/internal/auth"
	"github.com/polystore/polystore/pkg/errutil"
)

var accountColumns = []string{
	"id", "username", "email", "password_hash", "roles",
	"failed_attempts", "locked_until", "provider", "subject",
	"created_at", "updated_at",
}

func testAccount() *auth.Account {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &auth.Account{
		ID:           ulid.Make(),
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "$argon2id$v=19$m=65536,t=1,p=4$salt$hash",
		Roles:        []string{auth.RoleCustomer},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func accountRow(a *auth.Account) *pgxmock.Rows {
	return pgxmock.NewRows(accountColumns).AddRow(
		a.ID.String(), a.Username, a.Email, a.PasswordHash, a.Roles,
		a.FailedAttempts, a.LockedUntil, a.Provider, a.Subject,
		a.CreatedAt, a.UpdatedAt,
	)
}

func TestAccountRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts account", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		mock.ExpectExec(`INSERT INTO accounts`).
			WithArgs(
				account.ID.String(), account.Username, account.Email,
				account.PasswordHash, account.Roles, account.FailedAttempts,
				account.LockedUntil, account.Provider, account.Subject,
				account.CreatedAt, account.UpdatedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		repo := NewAccountRepository(mock)
		require.NoError(t, repo.Create(ctx, account))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation wraps duplicate", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		mock.ExpectExec(`INSERT INTO accounts`).
			WithArgs(
				account.ID.String(), account.Username, account.Email,
				account.PasswordHash, account.Roles, account.FailedAttempts,
				account.LockedUntil, account.Provider, account.Subject,
				account.CreatedAt, account.UpdatedAt,
			).
			WillReturnError(&pgconn.PgError{
				Code:           pgerrcode.UniqueViolation,
				ConstraintName: "accounts_username_lower_idx",
			})

		repo := NewAccountRepository(mock)
		err = repo.Create(ctx, account)
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrDuplicate))
		errutil.AssertErrorCode(t, err, "ACCOUNT_DUPLICATE")
	})

	t.Run("other errors are not duplicates", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`INSERT INTO accounts`).
			WillReturnError(errors.New("connection refused"))

		repo := NewAccountRepository(mock)
		err = repo.Create(ctx, testAccount())
		require.Error(t, err)
		assert.False(t, errors.Is(err, auth.ErrDuplicate))
		errutil.AssertErrorCode(t, err, "ACCOUNT_CREATE_FAILED")
	})
}

func TestAccountRepository_GetByUsername(t *testing.T) {
	ctx := context.Background()

	t.Run("returns account", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		mock.ExpectQuery(`SELECT id, username, email, password_hash, roles`).
			WithArgs("alice").
			WillReturnRows(accountRow(account))

		repo := NewAccountRepository(mock)
		got, err := repo.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
		assert.Equal(t, account.Username, got.Username)
		assert.Equal(t, account.Roles, got.Roles)
	})

	t.Run("missing account wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT id, username, email, password_hash, roles`).
			WithArgs("ghost").
			WillReturnRows(pgxmock.NewRows(accountColumns))

		repo := NewAccountRepository(mock)
		_, err = repo.GetByUsername(ctx, "ghost")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
		errutil.AssertErrorCode(t, err, "ACCOUNT_NOT_FOUND")
	})
}

func TestAccountRepository_GetByDelegated(t *testing.T) {
	ctx := context.Background()

	t.Run("returns linked account", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		provider, subject := "corp-sso", "user-42"
		account.Provider = &provider
		account.Subject = &subject

		mock.ExpectQuery(`SELECT id, username, email, password_hash, roles`).
			WithArgs("corp-sso", "user-42").
			WillReturnRows(accountRow(account))

		repo := NewAccountRepository(mock)
		got, err := repo.GetByDelegated(ctx, "corp-sso", "user-42")
		require.NoError(t, err)
		require.NotNil(t, got.Provider)
		assert.Equal(t, "corp-sso", *got.Provider)
	})

	t.Run("unlinked identity wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`SELECT id, username, email, password_hash, roles`).
			WithArgs("corp-sso", "nobody").
			WillReturnRows(pgxmock.NewRows(accountColumns))

		repo := NewAccountRepository(mock)
		_, err = repo.GetByDelegated(ctx, "corp-sso", "nobody")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})
}

func TestAccountRepository_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("updates account", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		mock.ExpectExec(`UPDATE accounts SET`).
			WithArgs(
				account.ID.String(), account.Username, account.Email,
				account.PasswordHash, account.Roles, account.FailedAttempts,
				account.LockedUntil, account.Provider, account.Subject,
				account.UpdatedAt,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := NewAccountRepository(mock)
		require.NoError(t, repo.Update(ctx, account))
	})

	t.Run("missing account wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		account := testAccount()
		mock.ExpectExec(`UPDATE accounts SET`).
			WithArgs(
				account.ID.String(), account.Username, account.Email,
				account.PasswordHash, account.Roles, account.FailedAttempts,
				account.LockedUntil, account.Provider, account.Subject,
				account.UpdatedAt,
			).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := NewAccountRepository(mock)
		err = repo.Update(ctx, account)
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})
}

func TestAccountRepository_UpdatePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("replaces only the hash", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := ulid.Make()
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(id.String(), "newhash", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := NewAccountRepository(mock)
		require.NoError(t, repo.UpdatePassword(ctx, id, "newhash"))
	})

	t.Run("missing account wraps not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := ulid.Make()
		mock.ExpectExec(`UPDATE accounts SET password_hash`).
			WithArgs(id.String(), "newhash", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		repo := NewAccountRepository(mock)
		err = repo.UpdatePassword(ctx, id, "newhash")
		require.Error(t, err)
		assert.True(t, errors.Is(err, auth.ErrNotFound))
	})
}
