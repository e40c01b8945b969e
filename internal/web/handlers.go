// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/oops"

	"github.com/polystore/polystore/internal/auth"
	"github.com/polystore/polystore/internal/observability"
)

// homeRedirect is where clients land after a successful sign-in.
const homeRedirect = "/home"

// AuthHandler serves the authentication endpoints.
type AuthHandler struct {
	authSvc    *auth.Service
	accountSvc *auth.AccountService
	resetSvc   *auth.PasswordResetService

	// identity is nil when delegated login is not configured; the callback
	// endpoint then answers 404.
	identity auth.IdentityProvider

	metrics      *observability.Metrics
	logger       *slog.Logger
	cookieSecure bool
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authSvc *auth.Service, accountSvc *auth.AccountService, resetSvc *auth.PasswordResetService, identity auth.IdentityProvider, metrics *observability.Metrics, logger *slog.Logger, cookieSecure bool) (*AuthHandler, error) {
	if authSvc == nil {
		return nil, oops.Code("WEB_INVALID_DEPENDENCY").Errorf("auth service is required")
	}
	if accountSvc == nil {
		return nil, oops.Code("WEB_INVALID_DEPENDENCY").Errorf("account service is required")
	}
	if resetSvc == nil {
		return nil, oops.Code("WEB_INVALID_DEPENDENCY").Errorf("reset service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		authSvc:      authSvc,
		accountSvc:   accountSvc,
		resetSvc:     resetSvc,
		identity:     identity,
		metrics:      metrics,
		logger:       logger,
		cookieSecure: cookieSecure,
	}, nil
}

// Routes mounts the auth endpoints on the given router.
func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/register", h.handleRegister)
	r.Post("/forgot-password", h.handleForgotPassword)
	r.Get("/reset-password", h.handleResetPasswordCheck)
	r.Post("/reset-password", h.handleResetPassword)
	if h.identity != nil {
		r.Post("/sso/callback", h.handleSSOCallback)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireSession)
		r.Post("/change-password", h.handleChangePassword)
		r.Get("/me", h.handleMe)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Redirect string `json:"redirect"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, token, err := h.authSvc.Login(r.Context(), req.Username, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		h.countLogin("local", err)
		writeServiceError(w, h.logger, err)
		return
	}

	h.countLogin("local", nil)
	h.setSessionCookie(w, token, session)
	writeJSON(w, http.StatusOK, loginResponse{Redirect: homeRedirect})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := h.authSvc.Logout(r.Context(), cookie.Value); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}
	// Logout is idempotent: no cookie, stale cookie, and live cookie all
	// end in the same place.
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	account, err := h.accountSvc.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.countRegistration(err)
		writeServiceError(w, h.logger, err)
		return
	}

	h.countRegistration(nil)
	writeJSON(w, http.StatusCreated, accountResponse{
		ID:       account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
		Roles:    account.Roles,
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *AuthHandler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.resetSvc.RequestReset(r.Context(), req.Email); err != nil {
		if h.metrics != nil && errorCode(err) == "RESET_NOTIFY_FAILED" {
			h.metrics.NotifyFailuresTotal.Inc()
		}
		writeServiceError(w, h.logger, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ResetsTotal.WithLabelValues("requested").Inc()
	}
	// 202 whether or not the email maps to an account.
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the address is registered, a reset link has been sent",
	})
}

func (h *AuthHandler) handleResetPasswordCheck(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := h.resetSvc.ValidateToken(r.Context(), token); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.resetSvc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		if h.metrics != nil {
			h.metrics.ResetsTotal.WithLabelValues("rejected").Inc()
		}
		writeServiceError(w, h.logger, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ResetsTotal.WithLabelValues("redeemed").Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	// NewPassword is the only field. The target account comes from the
	// session, never from the request.
	NewPassword string `json:"newPassword"`
}

func (h *AuthHandler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())

	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.accountSvc.ChangePassword(r.Context(), session, req.NewPassword); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ssoCallbackRequest struct {
	Assertion string `json:"assertion"`
}

func (h *AuthHandler) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	var req ssoCallbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	identity, err := h.identity.Verify(req.Assertion)
	if err != nil {
		h.countLogin("delegated", err)
		writeServiceError(w, h.logger, err)
		return
	}

	session, token, err := h.authSvc.LoginDelegated(r.Context(), identity, r.UserAgent(), clientIP(r))
	if err != nil {
		h.countLogin("delegated", err)
		writeServiceError(w, h.logger, err)
		return
	}

	h.countLogin("delegated", nil)
	h.setSessionCookie(w, token, session)
	writeJSON(w, http.StatusOK, loginResponse{Redirect: homeRedirect})
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFromContext(r.Context())

	account, err := h.authSvc.AccountByID(r.Context(), session.AccountID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		ID:       account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
		Roles:    account.Roles,
	})
}

// decode parses the JSON request body, answering 400 on failure.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string, session *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// countLogin records a login attempt outcome.
func (h *AuthHandler) countLogin(path string, err error) {
	if h.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		if oopsErr, ok := oops.AsOops(err); ok {
			switch oopsErr.Code() {
			case "AUTH_INVALID_CREDENTIALS", "SSO_ASSERTION_INVALID":
				result = "invalid"
			case "AUTH_ACCOUNT_LOCKED":
				result = "locked"
			}
		}
	}
	h.metrics.LoginsTotal.WithLabelValues(path, result).Inc()
}

// countRegistration records a registration outcome.
func (h *AuthHandler) countRegistration(err error) {
	if h.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		if oopsErr, ok := oops.AsOops(err); ok {
			switch oopsErr.Code() {
			case "ACCOUNT_EXISTS":
				result = "duplicate"
			case "AUTH_VALIDATION_FAILED", "AUTH_EMPTY_PASSWORD":
				result = "invalid"
			}
		}
	}
	h.metrics.RegistrationsTotal.WithLabelValues(result).Inc()
}

// clientIP returns the requester address without the port.
func clientIP(r *http.Request) string {
	// chi's RealIP middleware has already folded X-Forwarded-For into RemoteAddr.
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
