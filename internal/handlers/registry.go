package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/littleironwaltz/authsession/internal/logging"
	"github.com/littleironwaltz/authsession/internal/models"
)

// Options tunes the session routes
type Options struct {
	RateLimit float64 // requests per second per client IP; 0 disables limiting
	Timeout   time.Duration
}

// RegisterHandlers sets up the /session routes
func RegisterHandlers(e *echo.Echo, session Session, opts Options) {
	h := NewSessionHandler(session, opts.Timeout)

	g := e.Group("/session")
	if opts.RateLimit > 0 {
		g.Use(RateLimiter(opts.RateLimit))
	}

	g.GET("", h.Status)
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.POST("/refresh", h.Refresh)
	g.GET("/token", h.GetToken)
	g.PUT("/token", h.SetToken)
	g.DELETE("/timer", h.StopRefreshing)
}

// RateLimiter limits each client IP to perSecond requests with a burst of
// twice that.
func RateLimiter(perSecond float64) echo.MiddlewareFunc {
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: 5 * time.Minute,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return respondWithError(c, http.StatusForbidden, models.ErrInvalidRequest, "Could not identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return respondWithError(c, http.StatusTooManyRequests, models.ErrRateLimited, "Rate limit exceeded")
		},
	})
}

// RequestID assigns a UUID request ID unless the caller sent one
func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// RequestLogger attaches a request-scoped logger to the context and logs
// every completed request. It must run after RequestID.
func RequestLogger(base *slog.Logger) echo.MiddlewareFunc {
	logRequest := middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("req_id", v.RequestID),
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("duration_ms", v.Latency.Milliseconds()),
				slog.String("remote_ip", v.RemoteIP),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				level = slog.LevelError
			}
			base.LogAttrs(c.Request().Context(), level, "http_request", attrs...)
			return nil
		},
	})

	attachLogger := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithContext(c.Request().Context(), base.With("req_id", reqID))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return logRequest(attachLogger(next))
	}
}
