// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

// Package auth provides the credential-authentication and password-recovery
// core of PolyStore.
//
// # Domain Types
//
// Domain types (Account, Session, PasswordReset) should be created using
// their respective constructors:
//   - NewAccount - creates an Account with validated username and email
//   - NewSession - creates a Session with validated account and expiry
//   - NewPasswordReset - creates a PasswordReset with validated account and expiry
//
// Direct struct initialization bypasses validation and may create invalid
// state. Repository implementations receive pre-validated types from these
// constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - login (local and delegated), logout, session validation
//   - AccountService - registration and session-gated password change
//   - PasswordResetService - reset token issuance and redemption
//
// Services are created with New*Service constructors that validate
// dependencies. All user-facing failures collapse to one generic message
// per flow so responses never reveal whether a username, email, or token
// exists.
package auth
