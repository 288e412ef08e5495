package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeCookie, false},
		{"cookie", ModeCookie, false},
		{"JSON", ModeJSON, false},
		{" json ", ModeJSON, false},
		{"session", "", true},
	}

	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuthenticationDataJSON(t *testing.T) {
	empty, err := json.Marshal(AuthenticationData{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":null,"refresh_token":null,"expires":null,"expires_at":null}`, string(empty))

	full := AuthenticationData{AccessToken: "a", RefreshToken: "r", Expires: 900000, ExpiresAt: 1700000900000}
	b, err := json.Marshal(full)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"a","refresh_token":"r","expires":900000,"expires_at":1700000900000}`, string(b))

	var decoded AuthenticationData
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, full, decoded)
}

func TestAuthenticationDataUnmarshalServerResponse(t *testing.T) {
	// Servers omit the refresh token in cookie mode and may send a null lifetime
	var data AuthenticationData
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"a","expires":null}`), &data))
	assert.Equal(t, AuthenticationData{AccessToken: "a"}, data)

	// Decoding replaces every field
	data = AuthenticationData{RefreshToken: "stale", ExpiresAt: 5}
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"b"}`), &data))
	assert.Equal(t, AuthenticationData{AccessToken: "b"}, data)

	assert.Error(t, json.Unmarshal([]byte(`{"expires":"soon"}`), &data))
}

func TestAuthenticationDataHelpers(t *testing.T) {
	assert.True(t, AuthenticationData{}.IsZero())
	assert.False(t, AuthenticationData{AccessToken: "a"}.IsZero())

	_, ok := AuthenticationData{}.ExpiryTime()
	assert.False(t, ok)

	at := time.UnixMilli(1700000000000)
	got, ok := AuthenticationData{ExpiresAt: at.UnixMilli()}.ExpiryTime()
	require.True(t, ok)
	assert.True(t, got.Equal(at))
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	data, err := m.Get(ctx)
	require.NoError(t, err)
	assert.True(t, data.IsZero())

	want := AuthenticationData{AccessToken: "a", RefreshToken: "r", Expires: 1, ExpiresAt: 2}
	require.NoError(t, m.Set(ctx, want))
	data, err = m.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	require.NoError(t, m.Set(ctx, AuthenticationData{}))
	data, err = m.Get(ctx)
	require.NoError(t, err)
	assert.True(t, data.IsZero())
}

func TestSessionsHaveSeparateDefaultStorage(t *testing.T) {
	a := newTestSession(t, newFakeTransport(), ModeCookie)
	b := newTestSession(t, newFakeTransport(), ModeCookie)

	require.NoError(t, a.SetToken(context.Background(), "only-a"))
	assert.Equal(t, "only-a", a.GetToken(context.Background()))
	assert.Equal(t, "", b.GetToken(context.Background()))
}
