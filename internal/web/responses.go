// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/samber/oops"

	"github.com/polystore/polystore/pkg/errutil"
)

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error string `json:"error"`
}

// uniformCredentialsMessage is returned for every credential failure so the
// response body cannot be used to probe which accounts exist.
const uniformCredentialsMessage = "invalid username or password"

// statusForCode maps service error codes to HTTP statuses. Unknown codes
// collapse to 500 with a generic body.
var statusForCode = map[string]int{
	"AUTH_VALIDATION_FAILED":   http.StatusBadRequest,
	"AUTH_EMPTY_PASSWORD":      http.StatusBadRequest,
	"AUTH_INVALID_CREDENTIALS": http.StatusUnauthorized,
	"AUTH_ACCOUNT_LOCKED":      http.StatusTooManyRequests,
	"ACCOUNT_EXISTS":           http.StatusConflict,
	"ACCOUNT_NOT_FOUND":        http.StatusNotFound,
	"SESSION_INVALID":          http.StatusUnauthorized,
	"SESSION_EXPIRED":          http.StatusUnauthorized,
	"SESSION_TOKEN_EMPTY":      http.StatusUnauthorized,
	"RESET_TOKEN_INVALID":      http.StatusGone,
	"RESET_NOTIFY_FAILED":      http.StatusBadGateway,
	"SSO_ASSERTION_INVALID":    http.StatusUnauthorized,
}

// clientMessageForCode overrides error text sent to clients where the
// internal message would reveal more than the uniform contract allows.
var clientMessageForCode = map[string]string{
	"AUTH_INVALID_CREDENTIALS": uniformCredentialsMessage,
	"AUTH_ACCOUNT_LOCKED":      "too many failed attempts, try again later",
	"SESSION_INVALID":          "authentication required",
	"SESSION_EXPIRED":          "authentication required",
	"SESSION_TOKEN_EMPTY":      "authentication required",
	"RESET_TOKEN_INVALID":      "reset link is invalid or has expired",
	"SSO_ASSERTION_INVALID":    "sign-in assertion was rejected",
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value) //nolint:errcheck // response write failure, client gone
}

// errorCode extracts the service error code, or "" for untyped errors.
func errorCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}

// writeServiceError translates a service-layer error into an HTTP reply,
// logging server-side detail that never reaches the client.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := errorCode(err)

	status, known := statusForCode[code]
	if !known {
		errutil.LogError(logger, "request failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	message := clientMessageForCode[code]
	if message == "" {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		errutil.LogError(logger, "request failed", err)
		message = "upstream delivery failed"
	}
	writeJSON(w, status, errorResponse{Error: message})
}
