// Package valkeystore keeps a session's credential snapshot in Valkey (or
// Redis) so it survives a restart of the process owning the session.
//
// A key belongs to one Session at a time. Refreshes are only coalesced within
// a Session, so two live sessions on the same key would each spend the
// refresh token, and a server that rotates refresh tokens rejects the second.
package valkeystore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/littleironwaltz/authsession/pkg/auth"
)

// DefaultKey is used when no key is configured
const DefaultKey = "authsession:credentials"

// KeyFor returns the default key for serverURL's session, DefaultKey
// followed by the server's scheme://host.
func KeyFor(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return DefaultKey
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return DefaultKey + ":" + scheme + "://" + strings.ToLower(u.Host)
}

// Store is an auth.Storage backed by a single Valkey key
type Store struct {
	client valkey.Client
	key    string
}

// New wraps an existing client
func New(client valkey.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Dial connects to addr, which is either host:port or a redis:// URL, and
// pings the server before returning.
func Dial(ctx context.Context, addr, key string) (*Store, error) {
	opt, err := ClientOption(addr)
	if err != nil {
		return nil, err
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}

	return New(client, key), nil
}

// ClientOption builds connection options from an address or URL
func ClientOption(addr string) (valkey.ClientOption, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return valkey.ClientOption{}, fmt.Errorf("valkey address is required")
	}
	if strings.Contains(addr, "://") {
		opt, err := valkey.ParseURL(addr)
		if err != nil {
			return valkey.ClientOption{}, fmt.Errorf("invalid valkey URL: %w", err)
		}
		return opt, nil
	}
	return valkey.ClientOption{InitAddress: []string{addr}}, nil
}

// Key returns the key holding the snapshot
func (s *Store) Key() string {
	return s.key
}

// Get returns the stored snapshot; a missing key reads as the all-null snapshot.
func (s *Store) Get(ctx context.Context) (auth.AuthenticationData, error) {
	payload, err := s.client.Do(ctx, s.client.B().Get().Key(s.key).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return auth.AuthenticationData{}, nil
		}
		return auth.AuthenticationData{}, fmt.Errorf("valkey get %s: %w", s.key, err)
	}

	var data auth.AuthenticationData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return auth.AuthenticationData{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return data, nil
}

// Set replaces the stored snapshot. The all-null snapshot deletes the key.
func (s *Store) Set(ctx context.Context, data auth.AuthenticationData) error {
	if data.IsZero() {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.key).Build()).Error(); err != nil {
			return fmt.Errorf("valkey del %s: %w", s.key, err)
		}
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.key).Value(string(payload)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey set %s: %w", s.key, err)
	}
	return nil
}

// Close releases the client
func (s *Store) Close() {
	s.client.Close()
}

var _ auth.Storage = (*Store)(nil)
