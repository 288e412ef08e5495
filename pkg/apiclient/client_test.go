package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

// fastRetry keeps retry tests quick
var fastRetry = RetryConfig{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      1.5,
	MaxElapsedTime:  time.Second,
}

func TestNewClient(t *testing.T) {
	client := NewClient("https://example.com/")

	if client.BaseURL != "https://example.com" {
		t.Errorf("Expected BaseURL without trailing slash, got %s", client.BaseURL)
	}
	if client.HTTPClient == nil {
		t.Fatal("Expected HTTPClient to be initialized")
	}
	if client.HTTPClient.Jar == nil {
		t.Error("Expected a cookie jar")
	}
	if client.RetryConfig != DefaultRetryConfig {
		t.Errorf("Expected default retry config, got %+v", client.RetryConfig)
	}

	// Each client has its own jar
	other := NewClient("https://example.com")
	if other.HTTPClient.Jar == client.HTTPClient.Jar {
		t.Error("Expected clients not to share a cookie jar")
	}
}

func TestWithRetryConfig(t *testing.T) {
	config := RetryConfig{
		MaxRetries:      5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  10 * time.Second,
	}

	client := NewClient("https://example.com", WithRetryConfig(config))

	if client.RetryConfig != config {
		t.Errorf("Expected retry config %+v, got %+v", config, client.RetryConfig)
	}
}

func TestRequestURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		path    string
		query   url.Values
		want    string
		wantErr bool
	}{
		{"Root base", "https://api.example.com", "/auth/login", nil, "https://api.example.com/auth/login", false},
		{"Base with prefix", "https://example.com/api/", "/auth/refresh", nil, "https://example.com/api/auth/refresh", false},
		{"Query", "https://api.example.com", "/users", url.Values{"limit": {"5"}}, "https://api.example.com/users?limit=5", false},
		{"Relative base", "/api", "/auth/login", nil, "", true},
		{"Empty base", "", "/auth/login", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClient(tt.baseURL).RequestURL(tt.path, tt.query)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RequestURL failed: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me" {
			t.Errorf("Expected path %s, got %s", "/users/me", r.URL.Path)
		}
		if r.URL.Query().Get("fields") != "id" {
			t.Errorf("Expected query param 'fields=id', got %s", r.URL.Query().Get("fields"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Expected Accept application/json, got %s", r.Header.Get("Accept"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"id": "42"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	var result map[string]string
	if err := client.Get(context.Background(), "/users/me", url.Values{"fields": {"id"}}, &result); err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	if result["id"] != "42" {
		t.Errorf("Expected unwrapped data with id 42, got %v", result)
	}
}

func TestDecodeWithoutEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	var result map[string]bool
	if err := NewClient(server.URL).Get(context.Background(), "/", nil, &result); err != nil {
		t.Fatalf("Get request failed: %v", err)
	}
	if !result["success"] {
		t.Errorf("Expected success: true, got %v", result)
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected method POST, got %s", r.Method)
		}
		if contentType := r.Header.Get("Content-Type"); contentType != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", contentType)
		}

		var requestBody map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
			t.Errorf("Failed to parse request body: %v", err)
		}
		if value, ok := requestBody["mode"].(string); !ok || value != "json" {
			t.Errorf("Expected request body {\"mode\":\"json\"}, got %v", requestBody)
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	if err := client.PostJSON(context.Background(), "/auth/logout", map[string]string{"mode": "json"}, nil); err != nil {
		t.Errorf("Post request failed: %v", err)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data": {"ok": true}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryConfig(fastRetry))

	var result map[string]bool
	if err := client.Get(context.Background(), "/", nil, &result); err != nil {
		t.Fatalf("Expected retries to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		status       int
		wantAttempts int32
	}{
		{"GET client error", http.MethodGet, http.StatusNotFound, 1},
		{"GET server error", http.MethodGet, http.StatusInternalServerError, 4},
		{"POST server error", http.MethodPost, http.StatusInternalServerError, 1},
		{"POST rate limited", http.MethodPost, http.StatusTooManyRequests, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewClient(server.URL, WithRetryConfig(fastRetry))
			err := client.Do(context.Background(), Request{Method: tt.method, Path: "/"}, nil)
			if StatusCode(err) != tt.status {
				t.Errorf("Expected status %d, got error %v", tt.status, err)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, got)
			}
		})
	}
}

func TestErrorParsing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"Invalid user credentials.","extensions":{"code":"INVALID_CREDENTIALS"}}]}`))
	}))
	defer server.Close()

	err := NewClient(server.URL).PostJSON(context.Background(), "/auth/login", map[string]string{}, nil)

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *Error, got %T: %v", err, err)
	}
	if apiErr.Code != "INVALID_CREDENTIALS" {
		t.Errorf("Expected code INVALID_CREDENTIALS, got %s", apiErr.Code)
	}
	if apiErr.Message != "Invalid user credentials." {
		t.Errorf("Expected message from body, got %s", apiErr.Message)
	}
	if !IsUnauthorized(err) {
		t.Error("Expected IsUnauthorized to be true")
	}
	if IsRetryable(err) {
		t.Error("Expected 401 not to be retryable")
	}
}

func TestCredentialsPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
			w.WriteHeader(http.StatusNoContent)
		case "/check":
			cookie, err := r.Cookie("session")
			if err != nil {
				w.Write([]byte(`{"cookie": ""}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"cookie": cookie.Value})
		}
	}))
	defer server.Close()

	client := NewClient(server.URL)
	ctx := context.Background()

	// A cookie set while omitting credentials is never stored
	if err := client.Do(ctx, Request{Method: http.MethodPost, Path: "/set", Credentials: CredentialsOmit}, nil); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	var result map[string]string
	if err := client.Do(ctx, Request{Path: "/check", Credentials: CredentialsInclude}, &result); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result["cookie"] != "" {
		t.Errorf("Expected no cookie, got %q", result["cookie"])
	}

	if err := client.Do(ctx, Request{Method: http.MethodPost, Path: "/set", Credentials: CredentialsInclude}, nil); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	tests := []struct {
		creds Credentials
		want  string
	}{
		{CredentialsInclude, "abc"},
		{CredentialsSameOrigin, "abc"},
		{"", "abc"},
		{CredentialsOmit, ""},
	}
	for _, tt := range tests {
		result = nil
		if err := client.Do(ctx, Request{Path: "/check", Credentials: tt.creds}, &result); err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if result["cookie"] != tt.want {
			t.Errorf("credentials %q: expected cookie %q, got %q", tt.creds, tt.want, result["cookie"])
		}
	}
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		in      string
		want    Credentials
		wantErr bool
	}{
		{"", "", false},
		{"omit", CredentialsOmit, false},
		{"Same-Origin", CredentialsSameOrigin, false},
		{"include", CredentialsInclude, false},
		{"always", "", true},
	}

	for _, tt := range tests {
		got, err := ParseCredentials(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCredentials(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCredentials(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"HTTP 500 error", &Error{StatusCode: 500}, true},
		{"HTTP 502 error", &Error{StatusCode: 502}, true},
		{"HTTP 503 error", &Error{StatusCode: 503}, true},
		{"HTTP 429 error", &Error{StatusCode: 429}, true},
		{"HTTP 400 error (not retryable)", &Error{StatusCode: 400}, false},
		{"HTTP 404 error (not retryable)", &Error{StatusCode: 404}, false},
		{"Connection refused", errors.New("dial tcp: connection refused"), true},
		{"No such host", errors.New("lookup api: no such host"), true},
		{"Timeout", &testError{message: "i/o timeout", timeout: true}, true},
		{"Other error (not retryable)", errors.New("invalid request"), false},
		{"Nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// testError implements net.Error for testing
type testError struct {
	message string
	timeout bool
	temp    bool
}

func (e *testError) Error() string {
	return e.message
}

func (e *testError) Timeout() bool {
	return e.timeout
}

func (e *testError) Temporary() bool {
	return e.temp
}
