// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polystore/polystore/internal/auth"
	"github.com/polystore/polystore/internal/auth/mocks"
	"github.com/polystore/polystore/pkg/errutil"
)

var testSecret = []byte("test-signing-secret")

func signAssertion(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestNewDelegatedVerifier(t *testing.T) {
	t.Run("creates verifier", func(t *testing.T) {
		v, err := auth.NewDelegatedVerifier("corp-sso", "https://sso.example.com", testSecret)
		require.NoError(t, err)
		assert.NotNil(t, v)
	})

	t.Run("rejects missing configuration", func(t *testing.T) {
		_, err := auth.NewDelegatedVerifier("", "https://sso.example.com", testSecret)
		assert.Error(t, err)

		_, err = auth.NewDelegatedVerifier("corp-sso", "", testSecret)
		assert.Error(t, err)

		_, err = auth.NewDelegatedVerifier("corp-sso", "https://sso.example.com", nil)
		assert.Error(t, err)
	})
}

func TestDelegatedVerifier_Verify(t *testing.T) {
	verifier, err := auth.NewDelegatedVerifier("corp-sso", "https://sso.example.com", testSecret)
	require.NoError(t, err)

	t.Run("valid assertion yields identity", func(t *testing.T) {
		assertion := signAssertion(t, jwt.MapClaims{
			"iss":   "https://sso.example.com",
			"sub":   "user-42",
			"email": "Alice@Example.com",
			"name":  "Alice",
			"exp":   time.Now().Add(time.Minute).Unix(),
		})

		identity, err := verifier.Verify(assertion)
		require.NoError(t, err)
		assert.Equal(t, "corp-sso", identity.Provider)
		assert.Equal(t, "user-42", identity.Subject)
		assert.Equal(t, "alice@example.com", identity.Email, "email is normalized")
		assert.Equal(t, "Alice", identity.Name)
	})

	t.Run("rejects wrong issuer", func(t *testing.T) {
		assertion := signAssertion(t, jwt.MapClaims{
			"iss": "https://evil.example.com",
			"sub": "user-42",
			"exp": time.Now().Add(time.Minute).Unix(),
		})

		_, err := verifier.Verify(assertion)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})

	t.Run("rejects expired assertion", func(t *testing.T) {
		assertion := signAssertion(t, jwt.MapClaims{
			"iss": "https://sso.example.com",
			"sub": "user-42",
			"exp": time.Now().Add(-time.Minute).Unix(),
		})

		_, err := verifier.Verify(assertion)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})

	t.Run("rejects assertion without expiry", func(t *testing.T) {
		assertion := signAssertion(t, jwt.MapClaims{
			"iss": "https://sso.example.com",
			"sub": "user-42",
		})

		_, err := verifier.Verify(assertion)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})

	t.Run("rejects assertion without subject", func(t *testing.T) {
		assertion := signAssertion(t, jwt.MapClaims{
			"iss": "https://sso.example.com",
			"exp": time.Now().Add(time.Minute).Unix(),
		})

		_, err := verifier.Verify(assertion)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})

	t.Run("rejects tampered signature", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": "https://sso.example.com",
			"sub": "user-42",
			"exp": time.Now().Add(time.Minute).Unix(),
		})
		signed, err := token.SignedString([]byte("wrong-secret"))
		require.NoError(t, err)

		_, err = verifier.Verify(signed)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})
}

func TestService_LoginDelegated(t *testing.T) {
	ctx := context.Background()

	identity := auth.DelegatedIdentity{
		Provider: "corp-sso",
		Subject:  "user-42",
		Email:    "alice@example.com",
		Name:     "Alice",
	}

	newService := func(t *testing.T) (*auth.Service, *mocks.MockAccountRepository, *mocks.MockSessionRepository, *mocks.MockPasswordHasher) {
		t.Helper()
		accountRepo := mocks.NewMockAccountRepository(t)
		sessionRepo := mocks.NewMockSessionRepository(t)
		hasher := mocks.NewMockPasswordHasher(t)
		svc, err := auth.NewService(accountRepo, sessionRepo, hasher)
		require.NoError(t, err)
		return svc, accountRepo, sessionRepo, hasher
	}

	t.Run("existing link logs straight in", func(t *testing.T) {
		svc, accountRepo, sessionRepo, _ := newService(t)

		provider, subject := identity.Provider, identity.Subject
		account := &auth.Account{
			ID:       ulid.Make(),
			Username: "alice",
			Email:    identity.Email,
			Provider: &provider,
			Subject:  &subject,
		}

		accountRepo.On("GetByDelegated", ctx, "corp-sso", "user-42").Return(account, nil)
		sessionRepo.On("Create", ctx, mock.AnythingOfType("*auth.Session")).Return(nil)

		session, token, err := svc.LoginDelegated(ctx, identity, "Mozilla/5.0", "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, account.ID, session.AccountID)
		assert.NotEmpty(t, token)
	})

	t.Run("links existing local account by email", func(t *testing.T) {
		svc, accountRepo, sessionRepo, _ := newService(t)

		account := &auth.Account{
			ID:       ulid.Make(),
			Username: "alice",
			Email:    identity.Email,
		}

		accountRepo.On("GetByDelegated", ctx, "corp-sso", "user-42").Return(nil, auth.ErrNotFound)
		accountRepo.On("GetByEmail", ctx, identity.Email).Return(account, nil)
		accountRepo.On("Update", ctx, mock.MatchedBy(func(a *auth.Account) bool {
			return a.Provider != nil && *a.Provider == "corp-sso" &&
				a.Subject != nil && *a.Subject == "user-42"
		})).Return(nil)
		sessionRepo.On("Create", ctx, mock.AnythingOfType("*auth.Session")).Return(nil)

		session, _, err := svc.LoginDelegated(ctx, identity, "", "")
		require.NoError(t, err)
		assert.Equal(t, account.ID, session.AccountID)
	})

	t.Run("provisions account on first delegated login", func(t *testing.T) {
		svc, accountRepo, sessionRepo, hasher := newService(t)

		accountRepo.On("GetByDelegated", ctx, "corp-sso", "user-42").Return(nil, auth.ErrNotFound)
		accountRepo.On("GetByEmail", ctx, identity.Email).Return(nil, auth.ErrNotFound)
		hasher.On("Hash", mock.AnythingOfType("string")).Return("$argon2id$v=19$m=65536,t=1,p=4$ph$hash", nil)
		accountRepo.On("Create", ctx, mock.MatchedBy(func(a *auth.Account) bool {
			return a.Username == "alice" && a.Provider != nil && *a.Provider == "corp-sso"
		})).Return(nil)
		sessionRepo.On("Create", ctx, mock.AnythingOfType("*auth.Session")).Return(nil)

		session, token, err := svc.LoginDelegated(ctx, identity, "", "")
		require.NoError(t, err)
		assert.NotNil(t, session)
		assert.NotEmpty(t, token)
	})

	t.Run("username collision retries with suffix", func(t *testing.T) {
		svc, accountRepo, sessionRepo, hasher := newService(t)

		accountRepo.On("GetByDelegated", ctx, "corp-sso", "user-42").Return(nil, auth.ErrNotFound)
		accountRepo.On("GetByEmail", ctx, identity.Email).Return(nil, auth.ErrNotFound)
		hasher.On("Hash", mock.AnythingOfType("string")).Return("$argon2id$v=19$m=65536,t=1,p=4$ph$hash", nil)
		accountRepo.On("Create", ctx, mock.MatchedBy(func(a *auth.Account) bool {
			return a.Username == "alice"
		})).Return(auth.ErrDuplicate).Once()
		accountRepo.On("Create", ctx, mock.MatchedBy(func(a *auth.Account) bool {
			return a.Username != "alice"
		})).Return(nil).Once()
		sessionRepo.On("Create", ctx, mock.AnythingOfType("*auth.Session")).Return(nil)

		_, _, err := svc.LoginDelegated(ctx, identity, "", "")
		require.NoError(t, err)
	})

	t.Run("collision retry keeps the username within limits", func(t *testing.T) {
		svc, accountRepo, sessionRepo, hasher := newService(t)

		long := auth.DelegatedIdentity{
			Provider: "corp-sso",
			Subject:  "user-99",
			Email:    "extraordinarily_long_mailbox_name@example.com",
		}

		accountRepo.On("GetByDelegated", ctx, "corp-sso", "user-99").Return(nil, auth.ErrNotFound)
		accountRepo.On("GetByEmail", ctx, long.Email).Return(nil, auth.ErrNotFound)
		hasher.On("Hash", mock.AnythingOfType("string")).Return("$argon2id$v=19$m=65536,t=1,p=4$ph$hash", nil)
		accountRepo.On("Create", ctx, mock.AnythingOfType("*auth.Account")).Return(auth.ErrDuplicate).Once()
		var retried *auth.Account
		accountRepo.On("Create", ctx, mock.AnythingOfType("*auth.Account")).
			Run(func(args mock.Arguments) {
				retried = args.Get(1).(*auth.Account)
			}).Return(nil).Once()
		sessionRepo.On("Create", ctx, mock.AnythingOfType("*auth.Session")).Return(nil)

		_, _, err := svc.LoginDelegated(ctx, long, "", "")
		require.NoError(t, err)

		require.NotNil(t, retried)
		assert.LessOrEqual(t, len(retried.Username), auth.MaxUsernameLength)
		assert.NoError(t, auth.ValidateUsername(retried.Username))
	})

	t.Run("incomplete identity is rejected", func(t *testing.T) {
		svc, _, _, _ := newService(t)

		_, _, err := svc.LoginDelegated(ctx, auth.DelegatedIdentity{Provider: "corp-sso"}, "", "")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "SSO_ASSERTION_INVALID")
	})
}
