package sessionkit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

// PersistentCookieJar is an http.CookieJar that writes every cookie change through to a
// CookieStore, so the HTTP-only refresh cookie survives a restart the way a browser keeps it.
type PersistentCookieJar struct {
	jar     *cookiejar.Jar
	store   CookieStore
	logger  *zap.Logger
	now     func() time.Time
	mutex   sync.Mutex
	entries map[cookieKey]StoredCookie
}

type cookieKey struct {
	host string
	name string
	path string
}

// NewCookieJar returns a non-persistent jar using the public suffix list.
func NewCookieJar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie_jar.new: %w", err)
	}
	return jar, nil
}

// NewPersistentCookieJar loads unexpired cookies from store into a fresh jar.
func NewPersistentCookieJar(ctx context.Context, store CookieStore, logger *zap.Logger) (*PersistentCookieJar, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, jarErr := NewCookieJar()
	if jarErr != nil {
		return nil, jarErr
	}
	persistent := &PersistentCookieJar{
		jar:     jar,
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[cookieKey]StoredCookie),
	}
	storedCookies, loadErr := store.LoadCookies(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("cookie_jar.load: %w", loadErr)
	}
	now := persistent.now()
	for _, stored := range storedCookies {
		if !stored.Expires.IsZero() && !stored.Expires.After(now) {
			continue
		}
		sourceURL, parseErr := url.Parse(stored.URL)
		if parseErr != nil {
			logger.Warn("skipping stored cookie with invalid url",
				zap.String("code", "cookie_jar.load.invalid_url"),
				zap.String("cookie", stored.Name))
			continue
		}
		jar.SetCookies(sourceURL, []*http.Cookie{toHTTPCookie(stored)})
		persistent.entries[cookieKey{host: sourceURL.Host, name: stored.Name, path: stored.Path}] = stored
	}
	return persistent, nil
}

// Cookies implements http.CookieJar.
func (persistent *PersistentCookieJar) Cookies(requestURL *url.URL) []*http.Cookie {
	return persistent.jar.Cookies(requestURL)
}

// SetCookies implements http.CookieJar and persists the resulting cookie set.
func (persistent *PersistentCookieJar) SetCookies(responseURL *url.URL, cookies []*http.Cookie) {
	persistent.jar.SetCookies(responseURL, cookies)

	persistent.mutex.Lock()
	now := persistent.now()
	for _, cookie := range cookies {
		key := cookieKey{host: responseURL.Host, name: cookie.Name, path: cookie.Path}
		expires := cookie.Expires
		if cookie.MaxAge > 0 {
			expires = now.Add(time.Duration(cookie.MaxAge) * time.Second)
		}
		if cookie.MaxAge < 0 || (!expires.IsZero() && !expires.After(now)) {
			delete(persistent.entries, key)
			continue
		}
		persistent.entries[key] = StoredCookie{
			URL:      responseURL.String(),
			Name:     cookie.Name,
			Value:    cookie.Value,
			Path:     cookie.Path,
			Domain:   cookie.Domain,
			Expires:  expires,
			Secure:   cookie.Secure,
			HTTPOnly: cookie.HttpOnly,
			SameSite: cookie.SameSite,
		}
	}
	snapshot := persistent.snapshotLocked()
	persistent.mutex.Unlock()

	if err := persistent.store.SaveCookies(context.Background(), snapshot); err != nil {
		persistent.logger.Warn("failed to persist cookies",
			zap.String("code", "cookie_jar.save_failed"),
			zap.Error(err))
	}
}

func (persistent *PersistentCookieJar) snapshotLocked() []StoredCookie {
	snapshot := make([]StoredCookie, 0, len(persistent.entries))
	for _, stored := range persistent.entries {
		snapshot = append(snapshot, stored)
	}
	sort.Slice(snapshot, func(left, right int) bool {
		if snapshot[left].URL != snapshot[right].URL {
			return snapshot[left].URL < snapshot[right].URL
		}
		return snapshot[left].Name < snapshot[right].Name
	})
	return snapshot
}

func toHTTPCookie(stored StoredCookie) *http.Cookie {
	return &http.Cookie{
		Name:     stored.Name,
		Value:    stored.Value,
		Path:     stored.Path,
		Domain:   stored.Domain,
		Expires:  stored.Expires,
		Secure:   stored.Secure,
		HttpOnly: stored.HTTPOnly,
		SameSite: stored.SameSite,
	}
}
