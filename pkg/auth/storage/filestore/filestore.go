// Package filestore keeps credential snapshots in a JSON file so they survive
// between process runs. One file can hold snapshots for several servers; each
// Store reads and writes the entry of a single server.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/littleironwaltz/authsession/pkg/auth"
)

// DefaultAppName names the config directory used when no path is given
const DefaultAppName = "authsession"

// Store is an auth.Storage backed by a file on disk
type Store struct {
	mu   sync.Mutex
	path string
	key  string
}

// credentialFile is the on-disk layout
type credentialFile struct {
	Servers map[string]auth.AuthenticationData `json:"servers"`
}

// DefaultPath returns ~/.config/<appName>/credentials.json (or the platform
// equivalent).
func DefaultPath(appName string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine config directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	if appName == "" {
		appName = DefaultAppName
	}
	return filepath.Join(configDir, appName, "credentials.json"), nil
}

// New returns a Store for serverURL's entry in the file at path. An empty
// path selects DefaultPath.
func New(path, serverURL string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(""); err != nil {
			return nil, err
		}
	}

	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}

	return &Store{path: path, key: key}, nil
}

// Path returns the file location
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored snapshot. A missing file or entry reads as the
// all-null snapshot.
func (s *Store) Get(_ context.Context) (auth.AuthenticationData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return auth.AuthenticationData{}, err
	}
	return file.Servers[s.key], nil
}

// Set replaces this server's snapshot and rewrites the file. An all-null
// snapshot removes the entry.
func (s *Store) Set(_ context.Context, data auth.AuthenticationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	if data.IsZero() {
		delete(file.Servers, s.key)
	} else {
		file.Servers[s.key] = data
	}

	return s.save(file)
}

func (s *Store) load() (credentialFile, error) {
	file := credentialFile{Servers: make(map[string]auth.AuthenticationData)}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return credentialFile{Servers: make(map[string]auth.AuthenticationData)}, nil
		}
		return file, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if file.Servers == nil {
		file.Servers = make(map[string]auth.AuthenticationData)
	}
	return file, nil
}

func (s *Store) save(file credentialFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// writeFileAtomic writes through a temp file and rename so readers never see
// a torn file. The file is only readable by its owner.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// normalizeURL reduces a server URL to scheme://host for use as a key
func normalizeURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", serverURL)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

var _ auth.Storage = (*Store)(nil)
