package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode decides who holds the refresh token.
type Mode string

const (
	// ModeCookie leaves the refresh token in a server-managed cookie.
	ModeCookie Mode = "cookie"
	// ModeJSON keeps the refresh token on the client and submits it explicitly.
	ModeJSON Mode = "json"
)

// ParseMode validates a mode name. An empty string yields ModeCookie.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCookie, nil
	case ModeCookie, ModeJSON:
		return m, nil
	default:
		return "", fmt.Errorf("invalid session mode %q", s)
	}
}

var (
	// ErrNotAuthenticated is returned when no access token is available
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionReplaced is returned by a refresh that settled after a login,
	// logout or SetToken replaced the credential it was renewing.
	ErrSessionReplaced = errors.New("session replaced while refresh was in flight")
)

// AuthenticationData is the credential snapshot kept in Storage.
//
// Zero values stand for null: an empty token is absent, and Expires or
// ExpiresAt of 0 means the lifetime is unknown. ExpiresAt is derived when the
// snapshot is stored and is never taken from a server response.
type AuthenticationData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      int64  `json:"expires"`    // relative lifetime in milliseconds
	ExpiresAt    int64  `json:"expires_at"` // absolute expiry in epoch milliseconds
}

// IsZero reports whether every field is null
func (d AuthenticationData) IsZero() bool {
	return d == AuthenticationData{}
}

// ExpiryTime returns ExpiresAt as a time, and false when it is unknown
func (d AuthenticationData) ExpiryTime() (time.Time, bool) {
	if d.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(d.ExpiresAt), true
}

type authenticationDataJSON struct {
	AccessToken  *string `json:"access_token"`
	RefreshToken *string `json:"refresh_token"`
	Expires      *int64  `json:"expires"`
	ExpiresAt    *int64  `json:"expires_at"`
}

// MarshalJSON writes zero fields as null so the persisted layout keeps the
// distinction between "absent" and "present".
func (d AuthenticationData) MarshalJSON() ([]byte, error) {
	var out authenticationDataJSON
	if d.AccessToken != "" {
		out.AccessToken = &d.AccessToken
	}
	if d.RefreshToken != "" {
		out.RefreshToken = &d.RefreshToken
	}
	if d.Expires != 0 {
		out.Expires = &d.Expires
	}
	if d.ExpiresAt != 0 {
		out.ExpiresAt = &d.ExpiresAt
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts null or missing fields as zero values.
func (d *AuthenticationData) UnmarshalJSON(b []byte) error {
	var in authenticationDataJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*d = AuthenticationData{}
	if in.AccessToken != nil {
		d.AccessToken = *in.AccessToken
	}
	if in.RefreshToken != nil {
		d.RefreshToken = *in.RefreshToken
	}
	if in.Expires != nil {
		d.Expires = *in.Expires
	}
	if in.ExpiresAt != nil {
		d.ExpiresAt = *in.ExpiresAt
	}
	return nil
}

// LoginOptions carries the optional parts of a login
type LoginOptions struct {
	// OTP is a one-time code, sent only when set
	OTP string
	// Mode overrides the mode sent in the login body; the session's mode is used when empty
	Mode Mode
	// Provider selects a third-party login provider path
	Provider string
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Mode     Mode   `json:"mode"`
	OTP      string `json:"otp,omitempty"`
}

// tokenRequest is the body of refresh and logout calls
type tokenRequest struct {
	Mode         Mode   `json:"mode"`
	RefreshToken string `json:"refresh_token,omitempty"`
}
