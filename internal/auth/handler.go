package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/session"
)

// sessionCookieName is the HTTP cookie carrying the opaque session token.
const sessionCookieName = "warden_session"

// Handler handles the HTTP surface of the authentication lifecycle.
// Handlers are thin: they bind the request, call the service, and render the
// response. No business logic lives here.
type Handler struct {
	service    AuthService
	sessionTTL time.Duration
	pendingTTL time.Duration
}

// NewHandler creates an auth handler. The TTLs size the cookie lifetime to
// the session lifetime of the state a response leaves the caller in.
func NewHandler(service AuthService, sessionTTL, pendingTTL time.Duration) *Handler {
	return &Handler{
		service:    service,
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
	}
}

// Login processes the first authentication step (POST /login). A request
// without credentials from a caller holding a valid session echoes the
// current state instead of failing; a request with credentials always runs a
// fresh login, replacing any previous session.
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	if req.Mail == "" && req.Password == "" {
		if token := getSessionToken(c); token != "" {
			if info, err := h.service.CurrentUser(c.Request().Context(), token); err == nil {
				return c.JSON(http.StatusOK, map[string]any{"state": info.LoginState})
			}
		}
		return apperror.NewValidation("mail and password are required")
	}

	token, state, err := h.service.Login(c.Request().Context(), LoginInput{
		Mail:     req.Mail,
		Password: req.Password,
	})
	if err != nil {
		return err
	}

	h.setSessionCookie(c, token, state)
	return c.JSON(http.StatusOK, map[string]any{"state": state})
}

// Me returns the current principal/state summary (GET /login).
func (h *Handler) Me(c echo.Context) error {
	info, err := h.service.CurrentUser(c.Request().Context(), GetToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

// ChangePassword performs a self-service password change (PUT /login). The
// route carries no session middleware: the change-credential token flow is
// used by callers who cannot log in.
func (h *Handler) ChangePassword(c echo.Context) error {
	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	err := h.service.ChangePassword(c.Request().Context(), getSessionToken(c), ChangePasswordInput{
		UserID:      req.UserID,
		OldPassword: req.OldPassword,
		NewPassword: req.NewPassword,
		Token:       req.Token,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "password changed"})
}

// ConfirmMFA submits a second-factor code (POST /login/mfa).
func (h *Handler) ConfirmMFA(c echo.Context) error {
	var req MFARequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	token := GetToken(c)
	state, err := h.service.ConfirmMFA(c.Request().Context(), token, req.Token)
	if err != nil {
		return err
	}

	// A completed login upgrades the cookie from the short pending lifetime
	// to the full session lifetime.
	if state == session.StateLoggedIn {
		h.setSessionCookie(c, token, state)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "code accepted"})
}

// MailChallenge requests a mailed one-time code (POST /login/mfa/mail).
func (h *Handler) MailChallenge(c echo.Context) error {
	var req MailChallengeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	if err := h.service.RequestMailChallenge(c.Request().Context(), GetToken(c), req.Onboarding); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "code sent"})
}

// SwitchMFAType changes the configured mechanism (PUT /login/mfa/type).
// Switching to app-totp answers with the enrollment URL.
func (h *Handler) SwitchMFAType(c echo.Context) error {
	var req MFATypeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	enr, err := h.service.SwitchMFAType(c.Request().Context(), GetToken(c), req.UserID, req.MFAType)
	if err != nil {
		return err
	}

	if enr != nil {
		return c.JSON(http.StatusOK, map[string]string{"url": enr.URL})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "mfa type changed"})
}

// Onboard completes the forced first-login setup (POST /login/onboard).
func (h *Handler) Onboard(c echo.Context) error {
	var req OnboardRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}

	token := GetToken(c)
	state, err := h.service.CompleteOnboarding(c.Request().Context(), token, OnboardInput{
		NewPassword: req.NewPassword,
		MFAType:     req.MFAType,
		Code:        req.Token,
	})
	if err != nil {
		return err
	}

	if state == session.StateLoggedIn {
		h.setSessionCookie(c, token, state)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "onboarding completed"})
}

// OnboardURL returns the app-totp enrollment URL (GET /login/onboard/url).
func (h *Handler) OnboardURL(c echo.Context) error {
	enrollURL, err := h.service.EnrollmentURL(c.Request().Context(), GetToken(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"url": enrollURL})
}

// Reset starts the forgotten-password flow (POST /login/reset). The answer
// is 202 whether or not the mail belongs to an account.
func (h *Handler) Reset(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewValidation("invalid request body")
	}
	if req.Mail == "" {
		return apperror.NewValidation("mail is required")
	}

	if err := h.service.RequestPasswordReset(c.Request().Context(), req.Mail); err != nil {
		return err
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "if the address belongs to an account, a reset mail is on its way",
	})
}

// Logout revokes the session and clears the cookie (POST /logout). Always
// succeeds, even without a session.
func (h *Handler) Logout(c echo.Context) error {
	if token := getSessionToken(c); token != "" {
		if err := h.service.Logout(c.Request().Context(), token); err != nil {
			return err
		}
	}

	clearSessionCookie(c)
	return c.JSON(http.StatusOK, map[string]string{"message": "logged out"})
}

// --- Cookie helpers ---

// getSessionToken reads the session token from the cookie.
func getSessionToken(c echo.Context) string {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

// setSessionCookie sets the session cookie on the response. The cookie is
// HttpOnly (JS can't read it), Secure if behind TLS, and SameSite=Lax. Its
// lifetime follows the session's: short for the waiting states, full for
// logged-in.
func (h *Handler) setSessionCookie(c echo.Context, token string, state session.LoginState) {
	ttl := h.pendingTTL
	if state == session.StateLoggedIn {
		ttl = h.sessionTTL
	}

	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// clearSessionCookie removes the session cookie by setting MaxAge to -1.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
