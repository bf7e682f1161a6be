// Package app is the application bootstrap and dependency injection root.
// It creates and holds all shared infrastructure (DB pool, Redis client,
// Echo instance) and wires the authentication components together.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/auth"
	"github.com/keyxmakerx/warden/internal/config"
	"github.com/keyxmakerx/warden/internal/mailer"
	"github.com/keyxmakerx/warden/internal/mfa"
	"github.com/keyxmakerx/warden/internal/middleware"
	"github.com/keyxmakerx/warden/internal/session"
)

// App holds all shared dependencies and the Echo HTTP server instance.
// Created once at startup in main.go.
type App struct {
	// Config holds the loaded application configuration.
	Config *config.Config

	// DB is the MariaDB connection pool.
	DB *sql.DB

	// Redis is the Redis client shared by sessions, challenges, and tokens.
	Redis *redis.Client

	// Echo is the HTTP server instance.
	Echo *echo.Echo

	// Auth is the authentication service. Exposed for the startup bootstrap.
	Auth auth.AuthService

	sessions *session.Manager
	handler  *auth.Handler
}

// New creates a new App instance, configures the Echo server with global
// middleware and error handling, and wires the authentication stack.
func New(cfg *config.Config, db *sql.DB, rdb *redis.Client) *App {
	e := echo.New()

	// Disable Echo's default banner and startup message -- we log our own.
	e.HideBanner = true
	e.HidePort = true

	// Configure trusted reverse proxy IPs so c.RealIP() returns the actual
	// client IP instead of the proxy's IP. The per-IP rate limits on the
	// login endpoints depend on this.
	middleware.TrustedProxies(e, []string{
		"127.0.0.0/8",    // Localhost
		"10.0.0.0/8",     // Docker default bridge
		"172.16.0.0/12",  // Docker bridge (alternate range)
		"192.168.0.0/16", // Common LAN
		"fd00::/8",       // IPv6 private
	})

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Echo:   e,
	}

	app.setupMiddleware()
	app.wireAuth()

	// Register the custom error handler that maps AppErrors to HTTP responses.
	e.HTTPErrorHandler = app.errorHandler

	return app
}

// setupMiddleware registers global middleware on the Echo instance.
// Order matters: outermost (recovery) runs first.
func (a *App) setupMiddleware() {
	// Panic recovery -- must be outermost to catch panics from all other middleware.
	a.Echo.Use(middleware.Recovery())

	// Request logging -- log every request with method, path, status, latency.
	a.Echo.Use(middleware.RequestLogger())

	// Security headers -- CSP, X-Frame-Options, X-Content-Type-Options, etc.
	a.Echo.Use(middleware.SecurityHeaders())
}

// wireAuth builds the authentication stack bottom-up: repository, session
// manager, verifier, token service, mail delivery, then the service and its
// HTTP handler.
func (a *App) wireAuth() {
	cfg := a.Config

	repo := auth.NewPrincipalRepository(a.DB)
	a.sessions = session.NewManager(a.Redis, cfg.Auth.SessionTTL, cfg.Auth.PendingTTL)
	mail := mailer.New(cfg.SMTP)
	verifier := mfa.NewVerifier(a.Redis, mail, cfg.Auth.TOTPIssuer, cfg.Auth.MailCodeTTL)
	tokens := auth.NewChangeTokens(a.Redis, cfg.Auth.SecretKey)

	a.Auth = auth.NewAuthService(
		repo,
		a.sessions,
		verifier,
		tokens,
		mail,
		cfg.BaseURL,
		cfg.Auth.TOTPIssuer,
		cfg.Auth.ResetTokenTTL,
	)
	a.handler = auth.NewHandler(a.Auth, cfg.Auth.SessionTTL, cfg.Auth.PendingTTL)
}

// errorHandler is the custom Echo error handler. Every error leaves the
// server in the same JSON shape: {message, status, statusText}.
func (a *App) errorHandler(err error, c echo.Context) {
	// Don't double-write if response is already committed.
	if c.Response().Committed {
		return
	}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		// Log internal errors with the underlying cause.
		if appErr.Internal != nil {
			slog.Error("internal error",
				slog.String("type", appErr.Type),
				slog.String("message", appErr.Message),
				slog.Any("internal", appErr.Internal),
				slog.String("path", c.Request().URL.Path),
			)
		}

		code, payload := apperror.Payload(appErr)
		_ = c.JSON(code, payload)
		return
	}

	// Echo's built-in HTTP errors (e.g., 404 from the router).
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		code := echoErr.Code
		message := http.StatusText(code)
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		}
		_ = c.JSON(code, map[string]any{
			"message":    message,
			"status":     code,
			"statusText": http.StatusText(code),
		})
		return
	}

	// Truly unexpected error -- log it, answer generically.
	slog.Error("unhandled error",
		slog.Any("error", err),
		slog.String("path", c.Request().URL.Path),
	)
	code, payload := apperror.Payload(err)
	_ = c.JSON(code, payload)
}

// Start begins listening for HTTP requests on the configured port.
func (a *App) Start() error {
	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting Warden server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
	)
	return a.Echo.Start(addr)
}
