package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/session"
)

// Context keys for session data injected by the middleware below.
const (
	contextKeySession = "auth_session"
	contextKeyToken   = "auth_token"
)

// RequireSession returns middleware that resolves the session cookie and
// injects session and token into the request context. Missing, expired, and
// revoked tokens all fail the same way; the stale cookie is cleared so the
// client does not keep presenting it.
func RequireSession(sessions *session.Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getSessionToken(c)
			if token == "" {
				return apperror.NewSessionInvalid()
			}

			sess, err := sessions.Resolve(c.Request().Context(), token)
			if err != nil {
				clearSessionCookie(c)
				return err
			}

			c.Set(contextKeySession, sess)
			c.Set(contextKeyToken, token)
			return next(c)
		}
	}
}

// GetSession retrieves the resolved session from the Echo context. Returns
// nil when RequireSession was not applied to the route.
func GetSession(c echo.Context) *session.Session {
	sess, ok := c.Get(contextKeySession).(*session.Session)
	if !ok {
		return nil
	}
	return sess
}

// GetToken retrieves the session token from the Echo context, falling back
// to the cookie for routes without RequireSession.
func GetToken(c echo.Context) string {
	if token, ok := c.Get(contextKeyToken).(string); ok && token != "" {
		return token
	}
	return getSessionToken(c)
}
