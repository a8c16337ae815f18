package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorBodyBytes = 64 << 10

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	IPv4     string `json:"ipv4,omitempty"`
	IPv6     string `json:"ipv6,omitempty"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	AccessToken string
	Profile     UserProfile
}

type loginResponse struct {
	AccessToken string      `json:"accessToken"`
	User        UserProfile `json:"user"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

type meResponse struct {
	User UserProfile `json:"user"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ServiceDependencies are the collaborators of a SessionService.
type ServiceDependencies struct {
	// HTTPClient must carry a cookie jar for refresh to work; nil builds one.
	HTTPClient  *http.Client
	Credentials CredentialStore
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// SessionService owns the in-memory access token and performs the auth network calls.
// The token is never persisted; after a restart it is re-derived through Refresh.
type SessionService struct {
	configuration ClientConfig
	httpClient    *http.Client
	credentials   CredentialStore
	logger        *zap.Logger
	metrics       MetricsRecorder

	mutex       sync.RWMutex
	accessToken string
}

// NewSessionService validates configuration and constructs a service with no token.
func NewSessionService(configuration ClientConfig, dependencies ServiceDependencies) (*SessionService, error) {
	resolved, configErr := configuration.withDefaults()
	if configErr != nil {
		return nil, configErr
	}
	if dependencies.Credentials == nil {
		return nil, fmt.Errorf("session.config: %w", errMissingCredential)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	httpClient := dependencies.HTTPClient
	if httpClient == nil {
		jar, jarErr := NewCookieJar()
		if jarErr != nil {
			return nil, jarErr
		}
		httpClient = &http.Client{Timeout: resolved.RequestTimeout, Jar: jar}
	}
	if httpClient.Jar == nil {
		logger.Warn("http client has no cookie jar; refresh cookie will not be sent",
			zap.String("code", "session.config.missing_cookie_jar"))
	}
	return &SessionService{
		configuration: resolved,
		httpClient:    httpClient,
		credentials:   dependencies.Credentials,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Config returns the resolved client configuration.
func (service *SessionService) Config() ClientConfig {
	return service.configuration
}

// AccessToken returns the in-memory access token, or "" when none is held.
func (service *SessionService) AccessToken() string {
	service.mutex.RLock()
	defer service.mutex.RUnlock()
	return service.accessToken
}

func (service *SessionService) setAccessToken(token string) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.accessToken = token
}

// Login exchanges credentials for an access token. The backend sets the refresh cookie.
func (service *SessionService) Login(ctx context.Context, request LoginRequest) (LoginResult, error) {
	if strings.TrimSpace(request.Email) == "" || request.Password == "" {
		service.metrics.Increment(MetricLoginFailure)
		return LoginResult{}, &ServiceError{Kind: ErrInvalidCredentials, Message: "Email and password are required"}
	}
	response, sendErr := service.send(ctx, http.MethodPost, LoginPath, request, "")
	if sendErr != nil {
		service.metrics.Increment(MetricLoginFailure)
		return LoginResult{}, sendErr
	}
	defer closeResponse(response)

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusBadRequest:
		service.metrics.Increment(MetricLoginFailure)
		return LoginResult{}, &ServiceError{
			Kind:       ErrInvalidCredentials,
			Message:    readErrorMessage(response),
			StatusCode: response.StatusCode,
		}
	case !isSuccess(response.StatusCode):
		service.metrics.Increment(MetricLoginFailure)
		return LoginResult{}, &ServiceError{
			Kind:       ErrUnexpectedStatus,
			Message:    readErrorMessage(response),
			StatusCode: response.StatusCode,
		}
	}

	var payload loginResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil || strings.TrimSpace(payload.AccessToken) == "" {
		service.metrics.Increment(MetricLoginFailure)
		return LoginResult{}, &ServiceError{Kind: ErrMalformedResponse, StatusCode: response.StatusCode, Cause: decodeErr}
	}

	service.setAccessToken(payload.AccessToken)
	service.persistProfile(ctx, payload.User)
	service.metrics.Increment(MetricLoginSuccess)
	service.logger.Info("login succeeded", zap.String("user_id", payload.User.ID))
	return LoginResult{AccessToken: payload.AccessToken, Profile: payload.User}, nil
}

// Refresh mints a new access token from the refresh cookie. It never sends a bearer header
// and never goes through the RequestExecutor. Any failure clears the in-memory token.
func (service *SessionService) Refresh(ctx context.Context) (string, error) {
	response, sendErr := service.send(ctx, http.MethodPost, RefreshPath, nil, "")
	if sendErr != nil {
		return "", service.refreshFailed(&ServiceError{Kind: ErrRefreshFailed, Cause: sendErr})
	}
	defer closeResponse(response)

	if !isSuccess(response.StatusCode) {
		return "", service.refreshFailed(&ServiceError{
			Kind:       ErrRefreshFailed,
			Message:    readErrorMessage(response),
			StatusCode: response.StatusCode,
		})
	}
	var payload refreshResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil || strings.TrimSpace(payload.AccessToken) == "" {
		return "", service.refreshFailed(&ServiceError{
			Kind:       ErrRefreshFailed,
			StatusCode: response.StatusCode,
			Cause:      fmt.Errorf("%w: missing access token", ErrMalformedResponse),
		})
	}

	service.setAccessToken(payload.AccessToken)
	service.metrics.Increment(MetricRefreshSuccess)
	service.logger.Debug("access token refreshed")
	return payload.AccessToken, nil
}

func (service *SessionService) refreshFailed(refreshErr *ServiceError) error {
	service.setAccessToken("")
	service.metrics.Increment(MetricRefreshFailure)
	service.logger.Info("refresh failed",
		zap.String("code", "session.refresh.failed"),
		zap.Int("status", refreshErr.StatusCode),
		zap.Error(refreshErr))
	return refreshErr
}

// FetchProfile loads the profile for the held token. A 401 clears the token and returns
// ErrSessionExpired.
func (service *SessionService) FetchProfile(ctx context.Context) (*UserProfile, error) {
	token := service.AccessToken()
	if token == "" {
		return nil, &ServiceError{Kind: ErrNoAccessToken}
	}
	response, sendErr := service.send(ctx, http.MethodPost, MePath, nil, token)
	if sendErr != nil {
		return nil, sendErr
	}
	defer closeResponse(response)

	if response.StatusCode == http.StatusUnauthorized {
		service.setAccessToken("")
		return nil, &ServiceError{Kind: ErrSessionExpired, StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	if !isSuccess(response.StatusCode) {
		return nil, &ServiceError{Kind: ErrUnexpectedStatus, StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	var payload meResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return nil, &ServiceError{Kind: ErrMalformedResponse, StatusCode: response.StatusCode, Cause: decodeErr}
	}
	service.persistProfile(ctx, payload.User)
	return &payload.User, nil
}

// CurrentUser returns the server-confirmed profile, or nil when there is no session.
// Without a token it first tries one Refresh, which covers a restart with only the cookie.
// Transport failures while a token is held are returned as errors and leave the session as is.
func (service *SessionService) CurrentUser(ctx context.Context) (*UserProfile, error) {
	if service.AccessToken() == "" {
		if _, refreshErr := service.Refresh(ctx); refreshErr != nil {
			return nil, nil
		}
	}
	profile, fetchErr := service.FetchProfile(ctx)
	if fetchErr != nil {
		if isAuthEnding(fetchErr) {
			return nil, nil
		}
		return nil, fetchErr
	}
	return profile, nil
}

// Logout invalidates the server session for this device on a best-effort basis and always
// clears the local token and cached profile.
func (service *SessionService) Logout(ctx context.Context) {
	service.endSession(ctx, LogoutPath)
}

// LogoutAll invalidates every server session of the user on a best-effort basis and always
// clears the local token and cached profile.
func (service *SessionService) LogoutAll(ctx context.Context) {
	service.endSession(ctx, LogoutAllPath)
}

func (service *SessionService) endSession(ctx context.Context, path string) {
	if token := service.AccessToken(); token != "" {
		response, sendErr := service.send(ctx, http.MethodPost, path, nil, token)
		switch {
		case sendErr != nil:
			service.metrics.Increment(MetricLogoutServerFailure)
			service.logger.Warn("logout request failed",
				zap.String("code", "session.logout.request_failed"),
				zap.String("path", path),
				zap.Error(sendErr))
		case !isSuccess(response.StatusCode):
			service.metrics.Increment(MetricLogoutServerFailure)
			service.logger.Warn("logout rejected by server",
				zap.String("code", "session.logout.rejected"),
				zap.String("path", path),
				zap.Int("status", response.StatusCode))
			closeResponse(response)
		default:
			closeResponse(response)
		}
	}
	service.ClearLocal(ctx)
	service.metrics.Increment(MetricLogout)
}

// ClearLocal drops the in-memory token and the durable session record.
func (service *SessionService) ClearLocal(ctx context.Context) {
	service.setAccessToken("")
	if err := service.credentials.Clear(ctx); err != nil {
		service.logger.Warn("failed to clear credential store",
			zap.String("code", "session.credentials.clear_failed"),
			zap.Error(err))
	}
}

// RestoreCredentials reads the durable record; storage failures read as "no session".
func (service *SessionService) RestoreCredentials(ctx context.Context) CredentialRecord {
	record, err := service.credentials.Restore(ctx)
	if err != nil {
		service.logger.Warn("failed to restore credential store",
			zap.String("code", "session.credentials.restore_failed"),
			zap.Error(err))
		return CredentialRecord{}
	}
	return record
}

func (service *SessionService) persistProfile(ctx context.Context, profile UserProfile) {
	if err := service.credentials.Save(ctx, profile); err != nil {
		service.logger.Warn("failed to save credential store",
			zap.String("code", "session.credentials.save_failed"),
			zap.Error(err))
	}
}

func (service *SessionService) send(ctx context.Context, method string, path string, body any, bearer string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return nil, fmt.Errorf("session.encode_body: %w", encodeErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, service.configuration.BaseURL+path, bodyReader)
	if requestErr != nil {
		return nil, fmt.Errorf("session.build_request: %w", requestErr)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	service.decorate(request, bearer)
	return service.do(request)
}

func (service *SessionService) do(request *http.Request) (*http.Response, error) {
	response, err := service.httpClient.Do(request)
	if err != nil {
		return nil, &ServiceError{Kind: ErrNetworkUnavailable, Cause: err}
	}
	return response, nil
}

func (service *SessionService) decorate(request *http.Request, bearer string) {
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", service.configuration.UserAgent)
	if request.Header.Get("X-Request-ID") == "" {
		request.Header.Set("X-Request-ID", uuid.NewString())
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		request.Header.Del("Authorization")
	}
}

func isAuthEnding(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrNoAccessToken)
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func readErrorMessage(response *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return http.StatusText(response.StatusCode)
}

func closeResponse(response *http.Response) {
	if response == nil || response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBodyBytes))
	_ = response.Body.Close()
}
