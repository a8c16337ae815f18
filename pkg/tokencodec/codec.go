// Package tokencodec inspects portal access tokens without verifying their signature.
//
// The client holds no key material, so the codec only answers questions about the
// expiry claim: whether a token has expired, how long it has left, and whether it
// is close enough to expiry that it should be refreshed ahead of time.
package tokencodec

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns the wall clock used when Config.Clock is nil.
func SystemClock() Clock {
	return systemClock{}
}

// UnknownRemaining is reported by TimeRemaining when the token carries no usable expiry.
const UnknownRemaining = -time.Millisecond

// Config configures the Codec.
type Config struct {
	Clock Clock
}

// Codec decodes access tokens and evaluates their expiry.
type Codec struct {
	clock  Clock
	parser *jwt.Parser
}

// Claims represent the payload embedded inside portal access tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"email"`
	UserRole  string `json:"role"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier, falling back to the subject claim.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

// GetUserEmail returns the email carried by the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetUserRole returns the role carried by the token.
func (claims *Claims) GetUserRole() string {
	if claims == nil {
		return ""
	}
	return claims.UserRole
}

// GetExpiresAt returns the expiry timestamp, or the zero time when absent.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Codec.
func New(configuration Config) *Codec {
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Codec{
		clock:  clock,
		parser: jwt.NewParser(),
	}
}

// Now reports the codec clock.
func (codec *Codec) Now() time.Time {
	return codec.clock.Now()
}

// Decode returns the claims of a dot-delimited token, or nil when the token is malformed.
func (codec *Codec) Decode(tokenString string) *Claims {
	if strings.TrimSpace(tokenString) == "" {
		return nil
	}
	claims := &Claims{}
	parsedToken, _, parseErr := codec.parser.ParseUnverified(tokenString, claims)
	if parseErr != nil {
		// An unknown or missing alg header does not affect the claims segment.
		if parsedToken == nil || !errors.Is(parseErr, jwt.ErrTokenUnverifiable) {
			return nil
		}
	}
	return claims
}

// IsExpired reports whether the token is unusable: malformed, missing exp, or past exp.
func (codec *Codec) IsExpired(tokenString string) bool {
	claims := codec.Decode(tokenString)
	if claims == nil || claims.ExpiresAt == nil {
		return true
	}
	return !codec.clock.Now().Before(claims.ExpiresAt.Time)
}

// TimeRemaining returns exp minus now at millisecond granularity, or UnknownRemaining.
func (codec *Codec) TimeRemaining(tokenString string) time.Duration {
	claims := codec.Decode(tokenString)
	if claims == nil || claims.ExpiresAt == nil {
		return UnknownRemaining
	}
	return claims.ExpiresAt.Time.Sub(codec.clock.Now()).Truncate(time.Millisecond)
}

// IsExpiringSoon reports whether the token is still valid but expires within threshold.
func (codec *Codec) IsExpiringSoon(tokenString string, threshold time.Duration) bool {
	remaining := codec.TimeRemaining(tokenString)
	return remaining > 0 && remaining < threshold
}
