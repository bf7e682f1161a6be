package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/warden/internal/apperror"
)

// Recovery returns middleware that recovers from panics, logs the stack
// trace, and returns a 500 to the client in the standard error shape. This
// prevents a single panicking handler from crashing the entire server.
func Recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (returnErr error) {
			defer func() {
				if r := recover(); r != nil {
					// Log the panic with full stack trace for debugging.
					stack := debug.Stack()
					slog.Error("panic recovered",
						slog.Any("panic", r),
						slog.String("stack", string(stack)),
						slog.String("method", c.Request().Method),
						slog.String("path", c.Request().URL.Path),
					)

					code, payload := apperror.Payload(
						apperror.NewInternal(fmt.Errorf("panic: %v", r)))
					returnErr = c.JSON(code, payload)
				}
			}()

			return next(c)
		}
	}
}
