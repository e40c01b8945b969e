// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DelegatedIdentity is an identity asserted by an external trusted provider
// rather than verified locally via password.
type DelegatedIdentity struct {
	Provider string
	Subject  string
	Email    string
	Name     string
}

// IdentityProvider verifies an inbound assertion and yields the delegated
// identity it carries. The callback handler is the only caller; the
// assertion has already passed the upstream provider's own checks and this
// verification only guards the last hop into this process.
type IdentityProvider interface {
	Verify(assertion string) (DelegatedIdentity, error)
}

// delegatedClaims are the claims PolyStore consumes from a provider assertion.
type delegatedClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// DelegatedVerifier implements IdentityProvider for HMAC-signed assertions
// relayed by the identity broker in front of the external providers.
type DelegatedVerifier struct {
	provider string
	issuer   string
	secret   []byte
}

// NewDelegatedVerifier creates a DelegatedVerifier for one provider.
func NewDelegatedVerifier(provider, issuer string, secret []byte) (*DelegatedVerifier, error) {
	if provider == "" {
		return nil, oops.Code("SSO_INVALID_CONFIG").Errorf("provider name is required")
	}
	if issuer == "" {
		return nil, oops.Code("SSO_INVALID_CONFIG").Errorf("issuer is required")
	}
	if len(secret) == 0 {
		return nil, oops.Code("SSO_INVALID_CONFIG").Errorf("signing secret is required")
	}
	return &DelegatedVerifier{provider: provider, issuer: issuer, secret: secret}, nil
}

// Verify parses and validates the assertion, returning the delegated identity.
func (v *DelegatedVerifier) Verify(assertion string) (DelegatedIdentity, error) {
	claims := &delegatedClaims{}
	token, err := jwt.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return DelegatedIdentity{}, oops.Code("SSO_ASSERTION_INVALID").
			With("provider", v.provider).
			Wrap(err)
	}
	if !token.Valid || claims.Subject == "" {
		return DelegatedIdentity{}, oops.Code("SSO_ASSERTION_INVALID").
			With("provider", v.provider).
			Errorf("assertion missing subject")
	}

	return DelegatedIdentity{
		Provider: v.provider,
		Subject:  claims.Subject,
		Email:    strings.ToLower(claims.Email),
		Name:     claims.Name,
	}, nil
}

// LoginDelegated establishes a session for a delegated identity. The
// assertion was already validated by the identity provider; no credential
// verification happens here. The identity maps to a local account by
// provider+subject link, then by email, and is created when neither exists.
func (s *Service) LoginDelegated(ctx context.Context, identity DelegatedIdentity, userAgent, ipAddress string) (*Session, string, error) {
	if identity.Provider == "" || identity.Subject == "" {
		return nil, "", oops.Code("SSO_ASSERTION_INVALID").Errorf("delegated identity is incomplete")
	}

	account, err := s.mapDelegatedIdentity(ctx, identity)
	if err != nil {
		return nil, "", err
	}

	return s.establishSession(ctx, account, userAgent, ipAddress)
}

// mapDelegatedIdentity resolves a delegated identity to a local account,
// linking or creating one as needed.
func (s *Service) mapDelegatedIdentity(ctx context.Context, identity DelegatedIdentity) (*Account, error) {
	account, err := s.accounts.GetByDelegated(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("SSO_LOGIN_FAILED").
			With("operation", "get account by delegated identity").
			Wrap(err)
	}

	// Link by email when the user already registered locally.
	if identity.Email != "" {
		account, err = s.accounts.GetByEmail(ctx, identity.Email)
		if err == nil {
			account.Provider = &identity.Provider
			account.Subject = &identity.Subject
			if updateErr := s.accounts.Update(ctx, account); updateErr != nil {
				return nil, oops.Code("SSO_LOGIN_FAILED").
					With("operation", "link delegated identity").
					With("account_id", account.ID.String()).
					Wrap(updateErr)
			}
			return account, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SSO_LOGIN_FAILED").
				With("operation", "get account by email").
				Wrap(err)
		}
	}

	return s.createDelegatedAccount(ctx, identity)
}

// createDelegatedAccount provisions a local account for a first-time
// delegated login. The credential slot gets a random hash no password can
// match, so the account is only reachable through the provider until the
// user runs the recovery flow.
func (s *Service) createDelegatedAccount(ctx context.Context, identity DelegatedIdentity) (*Account, error) {
	unusable, _, err := GenerateSessionToken()
	if err != nil {
		return nil, oops.Code("SSO_LOGIN_FAILED").
			With("operation", "generate placeholder credential").
			Wrap(err)
	}
	placeholderHash, err := s.hasher.Hash(unusable)
	if err != nil {
		return nil, oops.Code("SSO_LOGIN_FAILED").
			With("operation", "hash placeholder credential").
			Wrap(err)
	}

	account, err := NewAccount(delegatedUsername(identity), identity.Email, placeholderHash, nil)
	if err != nil {
		return nil, oops.Code("SSO_LOGIN_FAILED").
			With("operation", "build delegated account").
			Wrap(err)
	}
	account.Provider = &identity.Provider
	account.Subject = &identity.Subject

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Username collision with an unrelated account; retry once with
			// a random suffix, trimming the base so the result stays within
			// the username length limit.
			suffix := "_" + strings.ToLower(ulid.Make().String()[20:])
			base := delegatedUsername(identity)
			if len(base) > MaxUsernameLength-len(suffix) {
				base = base[:MaxUsernameLength-len(suffix)]
			}
			account.Username = base + suffix
			if retryErr := s.accounts.Create(ctx, account); retryErr != nil {
				return nil, oops.Code("SSO_LOGIN_FAILED").
					With("operation", "create delegated account").
					Wrap(retryErr)
			}
			return account, nil
		}
		return nil, oops.Code("SSO_LOGIN_FAILED").
			With("operation", "create delegated account").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "provisioned account for delegated identity",
		"provider", identity.Provider,
		"account_id", account.ID.String(),
	)

	return account, nil
}

// delegatedUsername derives a local username from a delegated identity.
func delegatedUsername(identity DelegatedIdentity) string {
	base := identity.Email
	if at := strings.IndexByte(base, '@'); at > 0 {
		base = base[:at]
	}
	cleaned := make([]rune, 0, len(base))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			cleaned = append(cleaned, r)
		}
	}
	name := string(cleaned)
	if name == "" || !(name[0] >= 'a' && name[0] <= 'z' || name[0] >= 'A' && name[0] <= 'Z') {
		name = "u" + name
	}
	for len(name) < MinUsernameLength {
		name += "0"
	}
	if len(name) > MaxUsernameLength {
		name = name[:MaxUsernameLength]
	}
	return name
}
