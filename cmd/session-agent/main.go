package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/littleironwaltz/authsession/internal/bootstrap"
	"github.com/littleironwaltz/authsession/internal/handlers"
	"github.com/littleironwaltz/authsession/internal/logging"
	"github.com/littleironwaltz/authsession/pkg/auth"
	"github.com/littleironwaltz/authsession/pkg/config"
)

var version = "dev"

// App is the session agent process
type App struct {
	server  *echo.Echo
	runtime *bootstrap.Runtime
	logger  *slog.Logger
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Service: "session-agent",
		Version: version,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize session", "error", err)
		os.Exit(1)
	}

	app := &App{runtime: rt, logger: logger}
	app.initServer()

	// Log in up front when credentials are configured
	if cfg.Email != "" && cfg.Password != "" {
		if _, err := rt.Session.Login(ctx, cfg.Email, cfg.Password, auth.LoginOptions{Provider: cfg.Provider}); err != nil {
			logger.Warn("initial login failed", "error", err)
		}
	}

	// Start main server
	go func() {
		if err := app.server.Start(cfg.Agent.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	logger.Info("session agent started", "addr", cfg.Agent.Address)

	// Wait for termination signal
	<-ctx.Done()
	logger.Info("shutting down")

	app.shutdown()

	logger.Info("server stopped")
}

// initServer initializes the Echo server
func (a *App) initServer() {
	a.server = echo.New()
	a.server.HideBanner = true
	a.server.HidePort = true

	// Middleware
	a.server.Use(middleware.Recover())
	a.server.Use(handlers.RequestID())
	a.server.Use(handlers.RequestLogger(a.logger))
	a.server.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'",
	}))
	a.server.Use(middleware.BodyLimit("64K"))

	// Routes
	a.server.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	handlers.RegisterHandlers(a.server, a.runtime.Session, handlers.Options{
		RateLimit: a.runtime.Config.Agent.RateLimit,
		Timeout:   handlers.DefaultRequestTimeout,
	})
}

// shutdown gracefully stops the application
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("server shutdown failed", "error", err)
	}

	// Stop background token refreshes and release storage
	a.runtime.Close()
}
