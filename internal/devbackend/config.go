package devbackend

import (
	"net/http"
	"time"
)

// ServerConfig configures token signing, cookies, and TTLs of the development backend.
type ServerConfig struct {
	AppJWTSigningKey  []byte
	AppJWTIssuer      string
	CookieDomain      string
	RefreshCookieName string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}
