package devbackend

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var (
	// ErrOriginNotBare rejects entries carrying anything beyond scheme://host[:port].
	ErrOriginNotBare = errors.New("not a bare scheme://host origin")
	// ErrOriginInsecure rejects plain http origins off loopback unless insecure HTTP is allowed.
	ErrOriginInsecure = errors.New("plain http origin requires dev_insecure_http")

	errCrossOriginCookie = errors.New("cors.refresh_cookie_same_site: cross-origin clients need a SameSite=None refresh cookie")
)

// ParseAllowedOrigins canonicalizes configured browser origins. Blank entries are skipped
// and duplicates collapse, keeping first-seen order.
func ParseAllowedOrigins(entries []string, allowInsecureHTTP bool) ([]string, error) {
	origins := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		origin, originErr := canonicalOrigin(entry, allowInsecureHTTP)
		if originErr != nil {
			return nil, originErr
		}
		if seen[origin] {
			continue
		}
		seen[origin] = true
		origins = append(origins, origin)
	}
	return origins, nil
}

func canonicalOrigin(entry string, allowInsecureHTTP bool) (string, error) {
	parsed, parseErr := url.Parse(entry)
	if parseErr != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrOriginNotBare, entry)
	}
	origin := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	if !strings.EqualFold(strings.TrimSuffix(entry, "/"), origin) {
		return "", fmt.Errorf("%w: %q", ErrOriginNotBare, entry)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !allowInsecureHTTP && !isLoopbackHost(parsed.Hostname()) {
			return "", fmt.Errorf("%w: %q", ErrOriginInsecure, entry)
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrOriginNotBare, entry)
	}
	return origin, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	address := net.ParseIP(host)
	return address != nil && address.IsLoopback()
}

// crossOriginAuth lets browser clients on origins call the auth routes with the refresh
// cookie attached. Routes are GET or POST and authenticate with a bearer header.
func crossOriginAuth(origins []string, configuration ServerConfig) (gin.HandlerFunc, error) {
	if configuration.SameSiteMode != http.SameSiteNoneMode {
		return nil, errCrossOriginCookie
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	}), nil
}
