// Package fakeapi is an in-process stand-in for the remote authentication API.
// It issues JWT access tokens, rotates refresh tokens and counts calls so
// tests can assert how many network exchanges a client made.
package fakeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RefreshCookie is the cookie carrying the refresh token in cookie mode
const RefreshCookie = "session_refresh_token"

// Default account accepted by the server
const (
	DefaultEmail    = "user@example.com"
	DefaultPassword = "secret"
)

// Server is a running fake API
type Server struct {
	*httptest.Server

	signingKey []byte

	mu            sync.Mutex
	email         string
	password      string
	otp           string
	expires       int64 // issued lifetime in ms, 0 sends null
	accessTokens  map[string]bool
	refreshTokens map[string]bool
	refreshStatus int
	refreshGate   chan struct{}
	logins        int
	refreshes     int
	logouts       int
	lastLogin     Call
	lastRefresh   Call
	lastLogout    Call
}

// Call records one request body and the cookie that came with it
type Call struct {
	Path   string
	Body   map[string]any
	Cookie string
}

// Option configures a Server
type Option func(*Server)

// WithExpires sets the lifetime reported for issued tokens, in milliseconds.
// Zero makes the server report a null lifetime.
func WithExpires(ms int64) Option {
	return func(s *Server) { s.expires = ms }
}

// WithOTP requires a one-time code on login
func WithOTP(code string) Option {
	return func(s *Server) { s.otp = code }
}

// New starts a server; callers Close it.
func New(opts ...Option) *Server {
	s := &Server{
		signingKey:    []byte("fakeapi-" + uuid.NewString()),
		email:         DefaultEmail,
		password:      DefaultPassword,
		expires:       15 * 60 * 1000,
		accessTokens:  make(map[string]bool),
		refreshTokens: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/auth/login", s.handleLogin)
	e.POST("/auth/login/:provider", s.handleLogin)
	e.POST("/auth/refresh", s.handleRefresh)
	e.POST("/auth/logout", s.handleLogout)
	e.GET("/users/me", s.handleMe)

	s.Server = httptest.NewServer(e)
	return s
}

// SetExpires changes the lifetime of tokens issued from now on
func (s *Server) SetExpires(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires = ms
}

// FailRefresh makes every refresh answer with status; 0 restores normal behavior
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// HoldRefreshes blocks refresh requests until the returned function is called
func (s *Server) HoldRefreshes() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.refreshGate == gate {
				s.refreshGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Logins returns how many login requests arrived
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Refreshes returns how many refresh requests arrived
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Logouts returns how many logout requests arrived
func (s *Server) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

// LastLogin returns the most recent login request
func (s *Server) LastLogin() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogin
}

// LastRefresh returns the most recent refresh request
func (s *Server) LastRefresh() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

// LastLogout returns the most recent logout request
func (s *Server) LastLogout() Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogout
}

// IsValidAccessToken reports whether token was issued and not revoked
func (s *Server) IsValidAccessToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessTokens[token]
}

// Subject returns the subject placed in issued access tokens
func (s *Server) Subject() string {
	return "user-" + s.email
}

func (s *Server) handleLogin(c echo.Context) error {
	call, err := readCall(c)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logins++
	s.lastLogin = call

	if call.Body["email"] != s.email || call.Body["password"] != s.password {
		return apiError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid user credentials.")
	}
	if s.otp != "" && call.Body["otp"] != s.otp {
		return apiError(c, http.StatusUnauthorized, "INVALID_OTP", "Invalid user OTP.")
	}

	return s.issueLocked(c, modeOf(call))
}

func (s *Server) handleRefresh(c echo.Context) error {
	call, err := readCall(c)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid payload")
	}

	s.mu.Lock()
	s.refreshes++
	s.lastRefresh = call
	gate := s.refreshGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshStatus != 0 {
		return apiError(c, s.refreshStatus, "REFRESH_FAILED", http.StatusText(s.refreshStatus))
	}

	token := call.Cookie
	if modeOf(call) == "json" {
		token, _ = call.Body["refresh_token"].(string)
	}
	if token == "" || !s.refreshTokens[token] {
		return apiError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid user credentials.")
	}
	delete(s.refreshTokens, token)

	return s.issueLocked(c, modeOf(call))
}

func (s *Server) handleLogout(c echo.Context) error {
	call, err := readCall(c)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "Invalid payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logouts++
	s.lastLogout = call

	token := call.Cookie
	if modeOf(call) == "json" {
		token, _ = call.Body["refresh_token"].(string)
	}
	if token == "" || !s.refreshTokens[token] {
		return apiError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "The refresh token is required in either the payload or cookie.")
	}
	delete(s.refreshTokens, token)

	c.SetCookie(&http.Cookie{Name: RefreshCookie, Value: "", Path: "/", MaxAge: -1})
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMe(c echo.Context) error {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return apiError(c, http.StatusUnauthorized, "TOKEN_REQUIRED", "Token required.")
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})); err != nil {
		return apiError(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token.")
	}
	if !s.IsValidAccessToken(token) {
		return apiError(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token.")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"data": map[string]any{
			"id":    claims["sub"],
			"email": s.email,
		},
	})
}

// issueLocked mints a new token pair; s.mu is held.
func (s *Server) issueLocked(c echo.Context, mode string) error {
	now := time.Now()
	lifetime := time.Duration(s.expires) * time.Millisecond
	if s.expires <= 0 {
		lifetime = 24 * time.Hour
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": s.Subject(),
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": uuid.NewString(),
	}).SignedString(s.signingKey)
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
	refresh := uuid.NewString()

	s.accessTokens[access] = true
	s.refreshTokens[refresh] = true

	data := map[string]any{
		"access_token": access,
		"expires":      nil,
	}
	if s.expires > 0 {
		data["expires"] = s.expires
	}

	if mode == "json" {
		data["refresh_token"] = refresh
	} else {
		c.SetCookie(&http.Cookie{
			Name:     RefreshCookie,
			Value:    refresh,
			Path:     "/",
			HttpOnly: true,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{"data": data})
}

func readCall(c echo.Context) (Call, error) {
	call := Call{Path: c.Request().URL.Path, Body: map[string]any{}}
	if err := json.NewDecoder(c.Request().Body).Decode(&call.Body); err != nil && !errors.Is(err, io.EOF) {
		return call, err
	}
	if cookie, err := c.Cookie(RefreshCookie); err == nil {
		call.Cookie = cookie.Value
	}
	return call, nil
}

func modeOf(call Call) string {
	if mode, _ := call.Body["mode"].(string); mode == "json" {
		return "json"
	}
	return "cookie"
}

func apiError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{
		"errors": []map[string]any{
			{
				"message":    message,
				"extensions": map[string]any{"code": code},
			},
		},
	})
}
