package valkeystore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littleironwaltz/authsession/pkg/auth"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		serverURL string
		want      string
	}{
		{"https://api.example.com/v1", "authsession:credentials:https://api.example.com"},
		{"http://LOCALHOST:8055", "authsession:credentials:http://localhost:8055"},
		{"api.example.com", DefaultKey},
		{"", DefaultKey},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyFor(tt.serverURL), "server %q", tt.serverURL)
	}

	// Different servers never share a key
	assert.NotEqual(t, KeyFor("https://a.example.com"), KeyFor("https://b.example.com"))
}

func TestClientOption(t *testing.T) {
	opt, err := ClientOption("127.0.0.1:6379")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:6379"}, opt.InitAddress)

	opt, err = ClientOption("redis://:pw@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache.internal:6380"}, opt.InitAddress)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 2, opt.SelectDB)

	_, err = ClientOption("  ")
	assert.Error(t, err)
}

// dialTestStore connects to VALKEY_ADDR, skipping when it is unset
func dialTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}

	store, err := Dial(context.Background(), addr, "authsession:test:"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Set(context.Background(), auth.AuthenticationData{})
		store.Close()
	})
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := dialTestStore(t)
	ctx := context.Background()

	data, err := store.Get(ctx)
	require.NoError(t, err)
	assert.True(t, data.IsZero())

	want := auth.AuthenticationData{AccessToken: "a", RefreshToken: "r", Expires: 60000, ExpiresAt: 1700000060000}
	require.NoError(t, store.Set(ctx, want))

	data, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	require.NoError(t, store.Set(ctx, auth.AuthenticationData{}))
	exists, err := store.client.Do(ctx, store.client.B().Exists().Key(store.Key()).Build()).AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestSessionSurvivesRestart(t *testing.T) {
	store := dialTestStore(t)
	ctx := context.Background()

	first := auth.New(nil, auth.ModeJSON, auth.WithStorage(store))
	require.NoError(t, first.SetToken(ctx, "persisted"))
	first.StopRefreshing()

	// The replacement process opens the same key once the first is gone
	restarted := auth.New(nil, auth.ModeJSON, auth.WithStorage(New(store.client, store.Key())))
	assert.Equal(t, "persisted", restarted.GetToken(ctx))
}
