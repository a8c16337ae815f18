package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const refreshFlightKey = "session.refresh"

// UnauthorizedHandler is invoked once per ended session with the cause.
type UnauthorizedHandler func(cause error)

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	skipRetry bool
}

// WithSkipRetry marks a call that must never trigger refresh-and-retry, such as the
// login, registration and OTP endpoints. A 401 ends the session immediately.
func WithSkipRetry() ExecuteOption {
	return func(options *executeOptions) {
		options.skipRetry = true
	}
}

// RequestExecutor sends business API calls with the bearer token and recovers from 401
// responses through a single shared refresh cycle.
type RequestExecutor struct {
	service        *SessionService
	onUnauthorized UnauthorizedHandler
	refreshGroup   singleflight.Group

	mutex           sync.Mutex
	lastFailedToken string
}

// NewRequestExecutor constructs an executor over service. onUnauthorized may be nil.
func NewRequestExecutor(service *SessionService, onUnauthorized UnauthorizedHandler) *RequestExecutor {
	return &RequestExecutor{
		service:        service,
		onUnauthorized: onUnauthorized,
	}
}

// Execute sends request with the current bearer token. On a 401 it refreshes at most once
// per overlapping batch of failures and retries the request exactly once. A second 401 is
// returned to the caller unchanged. A failed refresh ends the session and yields
// ErrSessionExpired.
func (executor *RequestExecutor) Execute(ctx context.Context, request *http.Request, options ...ExecuteOption) (*http.Response, error) {
	settings := executeOptions{}
	for _, option := range options {
		option(&settings)
	}
	if bufferErr := makeReplayable(request); bufferErr != nil {
		return nil, bufferErr
	}

	usedToken := executor.service.AccessToken()
	response, sendErr := executor.send(ctx, request, usedToken)
	if sendErr != nil {
		return nil, sendErr
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}

	if settings.skipRetry {
		closeResponse(response)
		expiredErr := &ServiceError{Kind: ErrSessionExpired, StatusCode: http.StatusUnauthorized}
		executor.endSession(ctx, expiredErr)
		return nil, expiredErr
	}
	if usedToken == "" {
		return response, nil
	}
	closeResponse(response)

	freshToken, refreshErr := executor.tokenAfter(ctx, usedToken)
	if refreshErr != nil {
		return nil, refreshErr
	}
	executor.service.metrics.Increment(MetricRequestRetry)
	return executor.send(ctx, request, freshToken)
}

// Refresh joins the in-flight refresh cycle, or starts one. A failure ends the session.
func (executor *RequestExecutor) Refresh(ctx context.Context) (string, error) {
	return executor.joinRefresh(ctx, executor.service.AccessToken())
}

// DoJSON sends body as JSON to the backend path and decodes a 2xx response into out.
// Non-2xx responses, including a 401 that survived the retry, become ServiceErrors.
func (executor *RequestExecutor) DoJSON(ctx context.Context, method string, path string, body any, out any, options ...ExecuteOption) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, encodeErr := json.Marshal(body)
		if encodeErr != nil {
			return fmt.Errorf("request.encode_body: %w", encodeErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	target := executor.service.configuration.BaseURL + "/" + strings.TrimLeft(path, "/")
	request, requestErr := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if requestErr != nil {
		return fmt.Errorf("request.build: %w", requestErr)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, executeErr := executor.Execute(ctx, request, options...)
	if executeErr != nil {
		return executeErr
	}
	defer closeResponse(response)

	if !isSuccess(response.StatusCode) {
		return &ServiceError{
			Kind:       ErrUnexpectedStatus,
			Message:    readErrorMessage(response),
			StatusCode: response.StatusCode,
		}
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(out); decodeErr != nil {
		return &ServiceError{Kind: ErrMalformedResponse, StatusCode: response.StatusCode, Cause: decodeErr}
	}
	return nil
}

// tokenAfter returns a token newer than staleToken, refreshing only when nobody else has.
// A token cleared while the request was in flight means the session already ended, so no
// refresh is attempted and no unauthorized notification fires.
func (executor *RequestExecutor) tokenAfter(ctx context.Context, staleToken string) (string, error) {
	current := executor.service.AccessToken()
	if current == "" {
		return "", &ServiceError{Kind: ErrSessionExpired, StatusCode: http.StatusUnauthorized}
	}
	if current != staleToken {
		return current, nil
	}
	executor.mutex.Lock()
	alreadyFailed := executor.lastFailedToken == staleToken
	executor.mutex.Unlock()
	if alreadyFailed {
		return "", &ServiceError{Kind: ErrSessionExpired, Cause: ErrRefreshFailed}
	}
	return executor.joinRefresh(ctx, staleToken)
}

func (executor *RequestExecutor) joinRefresh(ctx context.Context, staleToken string) (string, error) {
	// The shared refresh outlives any single waiter.
	refreshContext := context.WithoutCancel(ctx)
	resultChannel := executor.refreshGroup.DoChan(refreshFlightKey, func() (any, error) {
		if current := executor.service.AccessToken(); current != "" && current != staleToken {
			return current, nil
		}
		token, refreshErr := executor.service.Refresh(refreshContext)
		if refreshErr != nil {
			executor.mutex.Lock()
			executor.lastFailedToken = staleToken
			executor.mutex.Unlock()
			executor.endSession(refreshContext, refreshErr)
			return "", refreshErr
		}
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return "", &ServiceError{Kind: ErrSessionExpired, Cause: result.Err}
		}
		return result.Val.(string), nil
	}
}

func (executor *RequestExecutor) endSession(ctx context.Context, cause error) {
	executor.service.ClearLocal(ctx)
	executor.service.metrics.Increment(MetricUnauthorized)
	executor.service.logger.Info("session ended by authorization failure",
		zap.String("code", "request.unauthorized"),
		zap.Error(cause))
	if executor.onUnauthorized != nil {
		executor.onUnauthorized(cause)
	}
}

func (executor *RequestExecutor) send(ctx context.Context, request *http.Request, token string) (*http.Response, error) {
	attempt := request.Clone(ctx)
	if request.GetBody != nil {
		body, bodyErr := request.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("request.rewind_body: %w", bodyErr)
		}
		attempt.Body = body
	}
	executor.service.decorate(attempt, token)
	return executor.service.do(attempt)
}

func makeReplayable(request *http.Request) error {
	if request.Body == nil || request.Body == http.NoBody || request.GetBody != nil {
		return nil
	}
	data, readErr := io.ReadAll(request.Body)
	_ = request.Body.Close()
	if readErr != nil {
		return fmt.Errorf("request.buffer_body: %w", readErr)
	}
	request.Body = io.NopCloser(bytes.NewReader(data))
	request.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}
