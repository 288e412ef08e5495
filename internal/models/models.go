package models

import (
	"time"

	"github.com/littleironwaltz/authsession/pkg/auth"
)

// Common API error response codes
const (
	ErrInvalidRequest      = "invalid_request"
	ErrAuthenticationError = "authentication_error"
	ErrNotAuthenticated    = "not_authenticated"
	ErrAPIError            = "api_error"
	ErrConflict            = "conflict"
	ErrInternalError       = "internal_error"
	ErrTimeout             = "timeout"
	ErrRateLimited         = "rate_limited"
)

// Response is the envelope for every agent response
type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo provides detailed error information
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewDataResponse wraps a successful result
func NewDataResponse(data interface{}) Response {
	return Response{Data: data}
}

// NewErrorResponse creates a standardized error response
func NewErrorResponse(code string, message string) Response {
	return Response{
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}
}

// NewDetailedErrorResponse creates a detailed error response with additional details
func NewDetailedErrorResponse(code string, message string, details string) Response {
	return Response{
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// LoginRequest is the body of POST /session/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
	Provider string `json:"provider,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// SetTokenRequest is the body of PUT /session/token
type SetTokenRequest struct {
	AccessToken string `json:"access_token"`
}

// TokenResponse carries the current access token; null when there is none
type TokenResponse struct {
	AccessToken *string `json:"access_token"`
}

// NewTokenResponse maps an empty token to null
func NewTokenResponse(token string) TokenResponse {
	if token == "" {
		return TokenResponse{}
	}
	return TokenResponse{AccessToken: &token}
}

// SessionStatus describes the stored credential without exposing tokens
type SessionStatus struct {
	Authenticated    bool       `json:"authenticated"`
	HasRefreshToken  bool       `json:"has_refresh_token"`
	Expires          int64      `json:"expires,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RefreshScheduled bool       `json:"refresh_scheduled"`
}

// NewSessionStatus summarizes data; refreshScheduled comes from the session
func NewSessionStatus(data auth.AuthenticationData, refreshScheduled bool) SessionStatus {
	status := SessionStatus{
		Authenticated:    data.AccessToken != "",
		HasRefreshToken:  data.RefreshToken != "",
		Expires:          data.Expires,
		RefreshScheduled: refreshScheduled,
	}
	if expiry, ok := data.ExpiryTime(); ok {
		utc := expiry.UTC()
		status.ExpiresAt = &utc
	}
	return status
}
