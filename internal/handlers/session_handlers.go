package handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/littleironwaltz/authsession/internal/logging"
	"github.com/littleironwaltz/authsession/internal/models"
	"github.com/littleironwaltz/authsession/pkg/apiclient"
	"github.com/littleironwaltz/authsession/pkg/auth"
)

// DefaultRequestTimeout bounds how long a handler waits on the session
const DefaultRequestTimeout = 15 * time.Second

// Session is the part of *auth.Session the agent exposes
type Session interface {
	Login(ctx context.Context, email, password string, opts auth.LoginOptions) (auth.AuthenticationData, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (auth.AuthenticationData, error)
	GetToken(ctx context.Context) string
	SetToken(ctx context.Context, token string) error
	StopRefreshing()
	Data(ctx context.Context) (auth.AuthenticationData, error)
	RefreshScheduled() bool
}

var _ Session = (*auth.Session)(nil)

// SessionHandler serves the /session routes
type SessionHandler struct {
	session Session
	timeout time.Duration
}

// NewSessionHandler creates a handler for session. A zero timeout selects
// DefaultRequestTimeout.
func NewSessionHandler(session Session, timeout time.Duration) *SessionHandler {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &SessionHandler{session: session, timeout: timeout}
}

// Login handles POST /session/login
func (h *SessionHandler) Login(c echo.Context) error {
	var req models.LoginRequest
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, models.ErrInvalidRequest, "Invalid request format")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return respondWithError(c, http.StatusBadRequest, models.ErrInvalidRequest, "email and password are required")
	}

	opts := auth.LoginOptions{OTP: req.OTP, Provider: req.Provider}
	if req.Mode != "" {
		mode, err := auth.ParseMode(req.Mode)
		if err != nil {
			return respondWithError(c, http.StatusBadRequest, models.ErrInvalidRequest, err.Error())
		}
		opts.Mode = mode
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	data, err := h.session.Login(ctx, req.Email, req.Password, opts)
	if err != nil {
		return handleSessionError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewSessionStatus(data, h.session.RefreshScheduled())))
}

// Logout handles POST /session/logout
func (h *SessionHandler) Logout(c echo.Context) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.session.Logout(ctx); err != nil {
		return handleSessionError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewSessionStatus(auth.AuthenticationData{}, false)))
}

// Refresh handles POST /session/refresh
func (h *SessionHandler) Refresh(c echo.Context) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	data, err := h.session.Refresh(ctx)
	if err != nil {
		return handleSessionError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewSessionStatus(data, h.session.RefreshScheduled())))
}

// GetToken handles GET /session/token
func (h *SessionHandler) GetToken(c echo.Context) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewTokenResponse(h.session.GetToken(ctx))))
}

// SetToken handles PUT /session/token
func (h *SessionHandler) SetToken(c echo.Context) error {
	var req models.SetTokenRequest
	if err := c.Bind(&req); err != nil {
		return respondWithError(c, http.StatusBadRequest, models.ErrInvalidRequest, "Invalid request format")
	}
	if req.AccessToken == "" {
		return respondWithError(c, http.StatusBadRequest, models.ErrInvalidRequest, "access_token is required")
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.session.SetToken(ctx, req.AccessToken); err != nil {
		return handleSessionError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewTokenResponse(req.AccessToken)))
}

// StopRefreshing handles DELETE /session/timer
func (h *SessionHandler) StopRefreshing(c echo.Context) error {
	h.session.StopRefreshing()
	return c.NoContent(http.StatusNoContent)
}

// Status handles GET /session
func (h *SessionHandler) Status(c echo.Context) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	data, err := h.session.Data(ctx)
	if err != nil {
		return handleSessionError(c, err)
	}
	return c.JSON(http.StatusOK, models.NewDataResponse(models.NewSessionStatus(data, h.session.RefreshScheduled())))
}

func (h *SessionHandler) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.timeout)
}

// handleSessionError categorizes errors and returns an appropriate response
func handleSessionError(c echo.Context, err error) error {
	logger := logging.FromContext(c.Request().Context())

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return respondWithError(c, http.StatusGatewayTimeout, models.ErrTimeout, "Request timed out")

	case errors.Is(err, auth.ErrSessionReplaced):
		return respondWithError(c, http.StatusConflict, models.ErrConflict, "Session changed while the request was in flight")

	case errors.Is(err, auth.ErrNotAuthenticated):
		return respondWithError(c, http.StatusUnauthorized, models.ErrNotAuthenticated, "Not authenticated")

	case apiclient.IsUnauthorized(err):
		return respondWithError(c, http.StatusUnauthorized, models.ErrAuthenticationError, "Authentication failed")

	case apiclient.StatusCode(err) == http.StatusTooManyRequests:
		return respondWithError(c, http.StatusTooManyRequests, models.ErrRateLimited, "Upstream rate limit exceeded")

	case apiclient.StatusCode(err) != 0:
		logger.Warn("upstream API error", "error", err)
		return respondWithDetailedError(c, http.StatusBadGateway, models.ErrAPIError, "Upstream API error", err.Error())

	case errors.As(err, &netErr):
		logger.Warn("upstream unreachable", "error", err)
		return respondWithDetailedError(c, http.StatusBadGateway, models.ErrAPIError, "Upstream API unreachable", err.Error())

	default:
		logger.Error("session operation failed", "error", err)
		return respondWithDetailedError(c, http.StatusInternalServerError, models.ErrInternalError, "Internal server error",
			fmt.Sprintf("Error occurred at %s, please try again later", time.Now().Format(time.RFC3339)))
	}
}

// respondWithError creates a standardized error response
func respondWithError(c echo.Context, httpStatus int, errorCode, message string) error {
	if errorCode != models.ErrRateLimited {
		logging.FromContext(c.Request().Context()).Debug("error response", "code", errorCode, "message", message)
	}
	return c.JSON(httpStatus, models.NewErrorResponse(errorCode, message))
}

func respondWithDetailedError(c echo.Context, httpStatus int, errorCode, message, details string) error {
	return c.JSON(httpStatus, models.NewDetailedErrorResponse(errorCode, message, details))
}
