package sessionkit

import (
	"context"
	"net/http"
	"time"
)

// CredentialRecordKey names the single durable session record.
const CredentialRecordKey = "portal_session"

// CredentialRecord is the durable, non-sensitive part of a session. It never holds a token.
type CredentialRecord struct {
	Profile    *UserProfile
	HadSession bool
}

// CredentialStore persists the cached profile and the session-present flag across restarts.
type CredentialStore interface {
	Save(ctx context.Context, profile UserProfile) error
	Clear(ctx context.Context) error
	// Restore returns a zero record and a nil error when nothing was persisted.
	Restore(ctx context.Context) (CredentialRecord, error)
}

// StoredCookie is a cookie captured from a backend response, keyed by the URL that set it.
type StoredCookie struct {
	URL      string
	Name     string
	Value    string
	Path     string
	Domain   string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// CookieStore persists the cookie jar so the refresh cookie outlives the process.
type CookieStore interface {
	LoadCookies(ctx context.Context) ([]StoredCookie, error)
	// SaveCookies replaces the persisted set with cookies.
	SaveCookies(ctx context.Context, cookies []StoredCookie) error
}
