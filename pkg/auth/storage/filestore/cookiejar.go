package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// CookieJar is an http.CookieJar that also writes every cookie it accepts to
// a file. In cookie mode the refresh token only exists as a cookie, so a
// command-line session needs the jar to outlive the process just like the
// credential snapshot does.
type CookieJar struct {
	jar    *cookiejar.Jar
	path   string
	key    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	saved map[string]savedCookie
}

// savedCookie is a cookie as received, with Max-Age turned into an absolute
// expiry so it can be restored later.
type savedCookie struct {
	URL      string     `json:"url"`
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HttpOnly bool       `json:"http_only,omitempty"`
}

type cookieFile struct {
	Servers map[string][]savedCookie `json:"servers"`
}

// CookiePath returns the cookie file kept beside a credentials file,
// credentials.json becoming credentials.cookies.json.
func CookiePath(credentialsPath string) string {
	ext := filepath.Ext(credentialsPath)
	return strings.TrimSuffix(credentialsPath, ext) + ".cookies" + ext
}

// OpenCookieJar loads serverURL's cookies from the file at path into a new
// jar. An empty path selects the file beside DefaultPath. Expired cookies are
// dropped while loading.
func OpenCookieJar(path, serverURL string, logger *slog.Logger) (*CookieJar, error) {
	if path == "" {
		credentials, err := DefaultPath("")
		if err != nil {
			return nil, err
		}
		path = CookiePath(credentials)
	}
	key, err := normalizeURL(serverURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	j := &CookieJar{
		jar:    jar,
		path:   path,
		key:    key,
		logger: logger,
		now:    time.Now,
		saved:  make(map[string]savedCookie),
	}

	file, err := j.load()
	if err != nil {
		return nil, err
	}
	now := j.now()
	for _, sc := range file.Servers[key] {
		if sc.Expires != nil && !sc.Expires.After(now) {
			continue
		}
		u, err := url.Parse(sc.URL)
		if err != nil || u.Host == "" {
			continue
		}
		jar.SetCookies(u, []*http.Cookie{sc.cookie()})
		j.saved[sc.id(u)] = sc
	}

	return j, nil
}

// Path returns the file location
func (j *CookieJar) Path() string {
	return j.path
}

// Cookies implements http.CookieJar
func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

// SetCookies implements http.CookieJar. The file is rewritten on every call;
// a failed write is logged since the interface has no error return.
func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	for _, c := range cookies {
		sc := newSavedCookie(u, c, now)
		id := sc.id(u)
		if c.MaxAge < 0 || (sc.Expires != nil && !sc.Expires.After(now)) {
			delete(j.saved, id)
			continue
		}
		j.saved[id] = sc
	}

	if err := j.persist(); err != nil {
		j.logger.Warn("failed to save cookies", "path", j.path, "error", err)
	}
}

// persist rewrites this server's entry; j.mu is held.
func (j *CookieJar) persist() error {
	file, err := j.load()
	if err != nil {
		return err
	}

	if len(j.saved) == 0 {
		delete(file.Servers, j.key)
	} else {
		entry := make([]savedCookie, 0, len(j.saved))
		ids := make([]string, 0, len(j.saved))
		for id := range j.saved {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			entry = append(entry, j.saved[id])
		}
		file.Servers[j.key] = entry
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize cookies: %w", err)
	}
	if err := writeFileAtomic(j.path, data); err != nil {
		return fmt.Errorf("failed to write cookies: %w", err)
	}
	return nil
}

func (j *CookieJar) load() (cookieFile, error) {
	file := cookieFile{Servers: make(map[string][]savedCookie)}

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return file, fmt.Errorf("failed to parse cookie file: %w", err)
	}
	if file.Servers == nil {
		file.Servers = make(map[string][]savedCookie)
	}
	return file, nil
}

func newSavedCookie(u *url.URL, c *http.Cookie, now time.Time) savedCookie {
	origin := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	sc := savedCookie{
		URL:      origin.String(),
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
	}
	switch {
	case c.MaxAge > 0:
		exp := now.Add(time.Duration(c.MaxAge) * time.Second).UTC()
		sc.Expires = &exp
	case !c.Expires.IsZero():
		exp := c.Expires.UTC()
		sc.Expires = &exp
	}
	return sc
}

// id matches the jar's own identity for a cookie: name, domain and path.
func (sc savedCookie) id(u *url.URL) string {
	domain := sc.Domain
	if domain == "" {
		domain = u.Hostname()
	}
	return sc.Name + ";" + strings.ToLower(strings.TrimPrefix(domain, ".")) + ";" + sc.Path
}

func (sc savedCookie) cookie() *http.Cookie {
	c := &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		Domain:   sc.Domain,
		Secure:   sc.Secure,
		HttpOnly: sc.HttpOnly,
	}
	if sc.Expires != nil {
		c.Expires = *sc.Expires
	}
	return c
}

var _ http.CookieJar = (*CookieJar)(nil)
