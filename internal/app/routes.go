package app

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/warden/internal/auth"
)

// RegisterRoutes sets up all application routes. Warden's surface is small:
// the authentication endpoints plus a health check.
func (a *App) RegisterRoutes() {
	e := a.Echo

	// Health check endpoint for Docker/orchestrator monitoring. Verifies
	// both backing stores are reachable.
	e.GET("/healthz", func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := a.DB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
		}
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "redis unreachable"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	auth.RegisterRoutes(e, a.handler, a.sessions)
}
