// Package auth manages an authenticated session against the remote API.
//
// A Session keeps an access/refresh token pair in a Storage, renews it shortly
// before it expires and collapses concurrent refresh attempts into a single
// network exchange. Callers that only need a bearer token use GetToken, which
// never fails; Login and Refresh report failures to the caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/littleironwaltz/authsession/pkg/apiclient"
)

// MaxTimerDelay is the longest lifetime for which a background refresh is
// scheduled: 2^31-1 milliseconds, about 24.8 days.
const MaxTimerDelay = time.Duration(math.MaxInt32) * time.Millisecond

// DefaultRefreshBeforeExpiry is the default safety margin
const DefaultRefreshBeforeExpiry = 30 * time.Second

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh"
	logoutPath  = "/auth/logout"
)

// Transport sends a request to the API and decodes the unwrapped response.
// *apiclient.Client implements it.
type Transport interface {
	Do(ctx context.Context, req apiclient.Request, out any) error
}

// Session is the authentication state for a single identity
type Session struct {
	transport           Transport
	mode                Mode
	storage             Storage
	refreshBeforeExpiry time.Duration
	maxRefreshDelay     time.Duration
	autoRefresh         bool
	credentials         apiclient.Credentials
	logger              *slog.Logger
	now                 func() time.Time

	// writeMu serializes storage writes with the epoch check in commit
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight *refreshCall
	timer    *time.Timer
	timerGen uint64
	epoch    uint64
}

// Option configures a Session
type Option func(*Session)

// WithStorage sets the credential storage. Each Session gets its own
// MemoryStorage when this option is not used.
func WithStorage(storage Storage) Option {
	return func(s *Session) {
		if storage != nil {
			s.storage = storage
		}
	}
}

// WithRefreshBeforeExpiry sets how long before expiry a token is renewed
func WithRefreshBeforeExpiry(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.refreshBeforeExpiry = d
		}
	}
}

// WithAutoRefresh enables or disables the background refresh timer
func WithAutoRefresh(enabled bool) Option {
	return func(s *Session) {
		s.autoRefresh = enabled
	}
}

// WithCredentials sets the credentials policy forwarded on every auth request
func WithCredentials(c apiclient.Credentials) Option {
	return func(s *Session) {
		s.credentials = c
	}
}

// WithMaxRefreshDelay overrides the scheduling ceiling (MaxTimerDelay by default).
// Tokens living this long or longer are never refreshed in the background.
func WithMaxRefreshDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxRefreshDelay = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Session that talks to the API through transport.
// An empty mode means ModeCookie.
func New(transport Transport, mode Mode, opts ...Option) *Session {
	if mode == "" {
		mode = ModeCookie
	}

	s := &Session{
		transport:           transport,
		mode:                mode,
		refreshBeforeExpiry: DefaultRefreshBeforeExpiry,
		maxRefreshDelay:     MaxTimerDelay,
		autoRefresh:         true,
		logger:              slog.Default(),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storage == nil {
		s.storage = NewMemoryStorage()
	}
	s.logger = s.logger.With("component", "auth", "mode", string(s.mode))

	return s
}

// Mode returns the session mode
func (s *Session) Mode() Mode {
	return s.mode
}

// LoginEndpoint returns the login path for provider, or the default path.
func LoginEndpoint(provider string) string {
	if provider == "" {
		return loginPath
	}
	return loginPath + "/" + url.PathEscape(provider)
}

// Login authenticates with email and password and stores the issued credential.
func (s *Session) Login(ctx context.Context, email, password string, opts LoginOptions) (AuthenticationData, error) {
	epoch := s.advanceEpoch()
	if err := s.commit(ctx, epoch, AuthenticationData{}); err != nil {
		return AuthenticationData{}, fmt.Errorf("failed to reset credentials: %w", err)
	}

	mode := opts.Mode
	if mode == "" {
		mode = s.mode
	}
	body := loginRequest{
		Email:    email,
		Password: password,
		Mode:     mode,
		OTP:      opts.OTP,
	}

	var data AuthenticationData
	if err := s.transport.Do(ctx, s.authRequest(LoginEndpoint(opts.Provider), body), &data); err != nil {
		return AuthenticationData{}, fmt.Errorf("login failed: %w", err)
	}

	stored, err := s.setCredentials(ctx, data, epoch)
	if err != nil {
		return AuthenticationData{}, err
	}

	s.logger.InfoContext(ctx, "logged in", "provider", opts.Provider, "expires_ms", stored.Expires)
	return stored, nil
}

// Logout notifies the API and clears local state. The notification is best
// effort: local state is cleared even when it fails, and only a storage
// failure is returned.
func (s *Session) Logout(ctx context.Context) error {
	current, err := s.storage.Get(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "could not read credentials before logout", "error", err)
		current = AuthenticationData{}
	}

	body := tokenRequest{Mode: s.mode}
	if s.mode == ModeJSON {
		body.RefreshToken = current.RefreshToken
	}
	s.bestEffort(ctx, "logout notification", func(ctx context.Context) error {
		return s.transport.Do(ctx, s.authRequest(logoutPath, body), nil)
	})

	epoch := s.advanceEpoch()
	if err := s.commit(ctx, epoch, AuthenticationData{}); err != nil && !errors.Is(err, ErrSessionReplaced) {
		return fmt.Errorf("failed to reset credentials: %w", err)
	}

	s.logger.InfoContext(ctx, "logged out")
	return nil
}

// GetToken returns the current access token, renewing it first when it is
// expired or within the safety margin. It returns "" when there is no usable
// token; renewal failures are never reported.
func (s *Session) GetToken(ctx context.Context) string {
	s.bestEffort(ctx, "refresh check", s.refreshIfExpired)

	data, err := s.storage.Get(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "could not read credentials", "error", err)
		return ""
	}
	return data.AccessToken
}

// SetToken stores a static access token with no refresh token and no known
// expiry, so it is never renewed. Any pending background refresh is cancelled.
func (s *Session) SetToken(ctx context.Context, token string) error {
	epoch := s.advanceEpoch()
	if err := s.commit(ctx, epoch, AuthenticationData{AccessToken: token}); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// StopRefreshing disarms the background refresh timer. Storage is untouched.
func (s *Session) StopRefreshing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

// Data returns the stored credential snapshot
func (s *Session) Data(ctx context.Context) (AuthenticationData, error) {
	return s.storage.Get(ctx)
}

func (s *Session) authRequest(path string, body any) apiclient.Request {
	return apiclient.Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		Credentials: s.credentials,
	}
}

// bestEffort runs fn and discards its error after logging it.
func (s *Session) bestEffort(ctx context.Context, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		s.logger.DebugContext(ctx, "best-effort operation failed", "op", op, "error", err)
	}
}
