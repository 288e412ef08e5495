package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littleironwaltz/authsession/internal/logging"
	"github.com/littleironwaltz/authsession/pkg/auth"
	"github.com/littleironwaltz/authsession/pkg/auth/storage/filestore"
	"github.com/littleironwaltz/authsession/pkg/config"
)

func TestNewMemoryStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "json"

	rt, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer rt.Close()

	assert.IsType(t, &auth.MemoryStorage{}, rt.Storage)
	assert.Equal(t, auth.ModeJSON, rt.Session.Mode())
	assert.Equal(t, cfg.BaseURL, rt.Client.BaseURL)
}

func TestNewFileStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageFile
	cfg.Storage.Path = filepath.Join(t.TempDir(), "creds.json")

	rt, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer rt.Close()

	store, ok := rt.Storage.(*filestore.Store)
	require.True(t, ok, "expected file storage, got %T", rt.Storage)
	assert.Equal(t, cfg.Storage.Path, store.Path())

	require.NoError(t, rt.Session.SetToken(context.Background(), "static"))
	data, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "static", data.AccessToken)
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "tape"

	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestOpenStorageValkeyUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageValkey
	cfg.Storage.ValkeyAddr = "127.0.0.1:1"

	_, _, err := OpenStorage(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewFileStorageCookieJar(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		credentials string
		wantJar     bool
	}{
		{"cookie mode", "cookie", "", true},
		{"cookie mode omitting credentials", "cookie", "omit", false},
		{"json mode", "json", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Mode = tt.mode
			cfg.Credentials = tt.credentials
			cfg.Storage.Backend = config.StorageFile
			cfg.Storage.Path = filepath.Join(t.TempDir(), "creds.json")

			rt, err := New(context.Background(), cfg, logging.Discard())
			require.NoError(t, err)
			defer rt.Close()

			jar, ok := rt.Client.HTTPClient.Jar.(*filestore.CookieJar)
			assert.Equal(t, tt.wantJar, ok, "jar is %T", rt.Client.HTTPClient.Jar)
			if ok {
				assert.Equal(t, filestore.CookiePath(cfg.Storage.Path), jar.Path())
			}
		})
	}
}
