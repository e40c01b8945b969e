// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

// Package web exposes the authentication flows over HTTP.
package web

import (
	"context"

	"github.com/polystore/polystore/internal/auth"
)

type contextKey int

const sessionContextKey contextKey = iota

// withSession returns a context carrying the validated session.
func withSession(ctx context.Context, session *auth.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext returns the validated session for the request, or
// (nil, false) when the request is anonymous. The session is the only
// identity carrier: handlers never accept account identifiers from the
// request body for authenticated operations.
func SessionFromContext(ctx context.Context) (*auth.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*auth.Session)
	return session, ok
}
