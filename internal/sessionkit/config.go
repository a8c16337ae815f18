package sessionkit

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Backend endpoints consumed by the session core.
const (
	LoginPath     = "/auth/login"
	RefreshPath   = "/auth/refresh"
	MePath        = "/auth/me"
	LogoutPath    = "/auth/logout"
	LogoutAllPath = "/auth/logout-all"
)

// Defaults applied by ClientConfig.withDefaults.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultCheckInterval    = time.Minute
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultUserAgent        = "portalauth/1.0"
)

// ClientConfig configures the backend location and lifecycle timings.
type ClientConfig struct {
	BaseURL          string
	UserAgent        string
	RequestTimeout   time.Duration
	CheckInterval    time.Duration
	RefreshThreshold time.Duration
}

func (configuration ClientConfig) withDefaults() (ClientConfig, error) {
	baseURL, baseErr := normalizeBaseURL(configuration.BaseURL)
	if baseErr != nil {
		return ClientConfig{}, baseErr
	}
	configuration.BaseURL = baseURL
	if strings.TrimSpace(configuration.UserAgent) == "" {
		configuration.UserAgent = DefaultUserAgent
	}
	if configuration.RequestTimeout <= 0 {
		configuration.RequestTimeout = DefaultRequestTimeout
	}
	if configuration.CheckInterval <= 0 {
		configuration.CheckInterval = DefaultCheckInterval
	}
	if configuration.RefreshThreshold <= 0 {
		configuration.RefreshThreshold = DefaultRefreshThreshold
	}
	return configuration, nil
}

func normalizeBaseURL(rawBaseURL string) (string, error) {
	trimmed := strings.TrimSpace(rawBaseURL)
	if trimmed == "" {
		return "", fmt.Errorf("session.config: %w", errMissingBaseURL)
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil || parsed.Host == "" {
		return "", fmt.Errorf("session.config: %w: %s", errInvalidBaseURL, rawBaseURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("session.config: %w: %s contains query or fragment", errInvalidBaseURL, rawBaseURL)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}
