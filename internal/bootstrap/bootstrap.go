// Package bootstrap assembles an auth.Session from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/littleironwaltz/authsession/pkg/apiclient"
	"github.com/littleironwaltz/authsession/pkg/auth"
	"github.com/littleironwaltz/authsession/pkg/auth/storage/filestore"
	"github.com/littleironwaltz/authsession/pkg/auth/storage/valkeystore"
	"github.com/littleironwaltz/authsession/pkg/config"
)

// Runtime is everything a command needs to act on the session
type Runtime struct {
	Config  config.Config
	Client  *apiclient.Client
	Session *auth.Session
	Storage auth.Storage
	Logger  *slog.Logger

	closers []func()
}

// Close releases storage connections and stops the background timer
func (r *Runtime) Close() {
	if r.Session != nil {
		r.Session.StopRefreshing()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// New validates cfg and wires the client, storage and session. Extra client
// options are applied after the defaults.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, clientOpts ...apiclient.Option) (*Runtime, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		Config: cfg,
		Client: apiclient.NewClient(cfg.BaseURL, clientOpts...),
		Logger: logger,
	}

	storage, closeStorage, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStorage != nil {
		rt.closers = append(rt.closers, closeStorage)
	}
	rt.Storage = storage

	creds, _ := apiclient.ParseCredentials(cfg.Credentials)

	// The refresh cookie has to live as long as the snapshot it belongs to
	if store, ok := storage.(*filestore.Store); ok && cfg.SessionMode() == auth.ModeCookie && creds != apiclient.CredentialsOmit {
		jar, err := filestore.OpenCookieJar(filestore.CookiePath(store.Path()), cfg.BaseURL, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open cookie file: %w", err)
		}
		hc := *rt.Client.HTTPClient
		hc.Jar = jar
		rt.Client.HTTPClient = &hc
	}

	rt.Session = auth.New(rt.Client, cfg.SessionMode(),
		auth.WithStorage(storage),
		auth.WithRefreshBeforeExpiry(cfg.RefreshBeforeExpiry),
		auth.WithAutoRefresh(cfg.AutoRefresh),
		auth.WithCredentials(creds),
		auth.WithLogger(logger),
	)

	logger.Debug("session ready",
		"base_url", cfg.BaseURL,
		"storage", storageName(cfg),
		"auto_refresh", cfg.AutoRefresh,
	)
	return rt, nil
}

// OpenStorage returns the configured storage and, for backends holding a
// connection, a function that closes it.
func OpenStorage(ctx context.Context, cfg config.Config) (auth.Storage, func(), error) {
	switch storageName(cfg) {
	case config.StorageFile:
		store, err := filestore.New(cfg.Storage.Path, cfg.BaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential file: %w", err)
		}
		return store, nil, nil

	case config.StorageValkey:
		key := cfg.Storage.ValkeyKey
		if key == "" {
			key = valkeystore.KeyFor(cfg.BaseURL)
		}
		store, err := valkeystore.Dial(ctx, cfg.Storage.ValkeyAddr, key)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		return auth.NewMemoryStorage(), nil, nil
	}
}

func storageName(cfg config.Config) string {
	name := strings.ToLower(cfg.Storage.Backend)
	if name == "" {
		return config.StorageMemory
	}
	return name
}
