package auth

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/warden/internal/middleware"
	"github.com/keyxmakerx/warden/internal/session"
)

// RegisterRoutes sets up the authentication endpoints on the given Echo
// instance.
//
// Credential-accepting endpoints are rate-limited per IP to slow down
// brute-force and credential stuffing: 10 login attempts, 10 code
// submissions, and 5 reset requests per minute.
func RegisterRoutes(e *echo.Echo, h *Handler, sessions *session.Manager) {
	requireSession := RequireSession(sessions)

	// First step and session introspection.
	e.POST("/login", h.Login, middleware.RateLimit(10, time.Minute))
	e.GET("/login", h.Me, requireSession)

	// Password change: no session middleware, the change-credential token
	// flow serves callers who cannot log in.
	e.PUT("/login", h.ChangePassword)

	// Second factor. The code endpoint resolves the session itself: a
	// submission without a login is a state-machine violation (409), not a
	// session error.
	e.POST("/login/mfa", h.ConfirmMFA, middleware.RateLimit(10, time.Minute))
	e.POST("/login/mfa/mail", h.MailChallenge, requireSession)
	e.PUT("/login/mfa/type", h.SwitchMFAType, requireSession)

	// Onboarding.
	e.POST("/login/onboard", h.Onboard, requireSession)
	e.GET("/login/onboard/url", h.OnboardURL, requireSession)

	// Forgotten password.
	e.POST("/login/reset", h.Reset, middleware.RateLimit(5, time.Minute))

	// Logout succeeds with or without a session.
	e.POST("/logout", h.Logout)
}
