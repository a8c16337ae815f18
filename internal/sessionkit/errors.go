package sessionkit

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrInvalidCredentials indicates the backend rejected the login attempt.
	ErrInvalidCredentials = errors.New("session.invalid_credentials")
	// ErrNetworkUnavailable indicates a transport-level failure before any HTTP status was received.
	ErrNetworkUnavailable = errors.New("session.network_unavailable")
	// ErrRefreshFailed indicates the refresh cookie could not mint a new access token.
	ErrRefreshFailed = errors.New("session.refresh_failed")
	// ErrSessionExpired indicates the session ended and the caller must authenticate again.
	ErrSessionExpired = errors.New("session.expired")
	// ErrUnexpectedStatus indicates a non-2xx response outside the auth taxonomy.
	ErrUnexpectedStatus = errors.New("session.unexpected_status")
	// ErrMalformedResponse indicates a 2xx response whose body did not match the contract.
	ErrMalformedResponse = errors.New("session.malformed_response")
	// ErrNoAccessToken indicates an operation that needs a bearer token ran without one.
	ErrNoAccessToken = errors.New("session.no_access_token")

	errMissingBaseURL    = errors.New("session.config.missing_base_url")
	errInvalidBaseURL    = errors.New("session.config.invalid_base_url")
	errMissingCredential = errors.New("session.config.missing_credential_store")
)

// ServiceError carries the classification of a failed session call together with the
// server-provided message, if any.
type ServiceError struct {
	Kind       error
	Message    string
	StatusCode int
	Cause      error
}

func (serviceErr *ServiceError) Error() string {
	var builder strings.Builder
	builder.WriteString(serviceErr.Kind.Error())
	if serviceErr.StatusCode != 0 {
		builder.WriteString(" (")
		builder.WriteString(http.StatusText(serviceErr.StatusCode))
		builder.WriteString(")")
	}
	if serviceErr.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(serviceErr.Message)
	} else if serviceErr.Cause != nil {
		builder.WriteString(": ")
		builder.WriteString(serviceErr.Cause.Error())
	}
	return builder.String()
}

// Unwrap exposes both the classification and the underlying cause to errors.Is.
func (serviceErr *ServiceError) Unwrap() []error {
	if serviceErr.Cause == nil {
		return []error{serviceErr.Kind}
	}
	return []error{serviceErr.Kind, serviceErr.Cause}
}

// UserMessage returns the text a UI should show for err: the server message when one was
// provided, otherwise the error text.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Message != "" {
		return serviceErr.Message
	}
	return err.Error()
}
