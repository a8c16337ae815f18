package sessionkit

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/portalauth/pkg/tokencodec"
)

func TestTickOutcomes(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name            string
		token           string
		expected        TickOutcome
		expectedRefresh int32
		expectToken     bool
	}{
		{name: "no token", token: "", expected: TickIdle},
		{name: "healthy token", token: mintTestToken(t, now.Add(time.Hour)), expected: TickHealthy, expectToken: true},
		{name: "expiring soon", token: mintTestToken(t, now.Add(2*time.Minute)), expected: TickRefreshed, expectedRefresh: 1, expectToken: true},
		{name: "expired", token: mintTestToken(t, now.Add(-time.Second)), expected: TickLoggedOut},
		{name: "malformed", token: "not-a-token", expected: TickLoggedOut},
	}
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			metrics := NewCounterMetrics()
			service := newTestService(t, backend, nil, metrics)
			service.setAccessToken(testCase.token)
			codec := tokencodec.New(tokencodec.Config{Clock: fixedClock{current: now}})
			scheduler := NewExpiryScheduler(service, nil, codec, SchedulerHooks{})

			outcome := scheduler.Tick(context.Background())
			if outcome != testCase.expected {
				t.Fatalf("expected %s, got %s", testCase.expected, outcome)
			}
			if refreshes := backend.refreshCalls.Load(); refreshes != testCase.expectedRefresh {
				t.Fatalf("expected %d refreshes, got %d", testCase.expectedRefresh, refreshes)
			}
			if (service.AccessToken() != "") != testCase.expectToken {
				t.Fatalf("unexpected token presence after %s tick", outcome)
			}
		})
	}
}

func TestTickExpiredTokenLogsOutWithoutRefresh(t *testing.T) {
	backend := newFakeBackend(t)
	store := NewMemoryCredentialStore()
	metrics := NewCounterMetrics()
	service := newTestService(t, backend, store, metrics)
	if _, err := service.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "secret-password"}); err != nil {
		t.Fatalf("login error: %v", err)
	}
	future := time.Now().Add(time.Hour)
	codec := tokencodec.New(tokencodec.Config{Clock: fixedClock{current: future}})

	var expiredCause error
	scheduler := NewExpiryScheduler(service, nil, codec, SchedulerHooks{
		OnExpired: func(ctx context.Context, cause error) {
			expiredCause = cause
			service.Logout(ctx)
		},
	})
	if outcome := scheduler.Tick(context.Background()); outcome != TickLoggedOut {
		t.Fatalf("expected logged out, got %s", outcome)
	}
	if !errors.Is(expiredCause, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired cause, got %v", expiredCause)
	}
	if backend.refreshCalls.Load() != 0 {
		t.Fatalf("expected no refresh attempt for an expired token")
	}
	if service.AccessToken() != "" {
		t.Fatalf("expected token cleared")
	}
	if record, _ := store.Restore(context.Background()); record.HadSession {
		t.Fatalf("expected credential store cleared")
	}
	if metrics.Count(MetricSchedulerExpired) != 1 {
		t.Fatalf("expected scheduler expiry metric")
	}
}

func TestTickRefreshesAndReportsProfile(t *testing.T) {
	backend := newFakeBackend(t)
	backend.set(func(backend *fakeBackend) { backend.tokenTTL = 2 * time.Minute })
	service := loggedInService(t, backend, nil)
	original := service.AccessToken()
	executor := NewRequestExecutor(service, nil)

	var refreshedProfile UserProfile
	scheduler := NewExpiryScheduler(service, executor, nil, SchedulerHooks{
		OnRefreshed: func(profile UserProfile) { refreshedProfile = profile },
	})
	if outcome := scheduler.Tick(context.Background()); outcome != TickRefreshed {
		t.Fatalf("expected refreshed, got %s", outcome)
	}
	if backend.refreshCalls.Load() != 1 {
		t.Fatalf("expected exactly one refresh, got %d", backend.refreshCalls.Load())
	}
	if service.AccessToken() == original {
		t.Fatalf("expected a new token")
	}
	if refreshedProfile.ID != testProfile.ID {
		t.Fatalf("expected refreshed profile, got %#v", refreshedProfile)
	}
}

func TestTickRefreshFailureEndsSession(t *testing.T) {
	backend := newFakeBackend(t)
	backend.set(func(backend *fakeBackend) { backend.tokenTTL = 2 * time.Minute })
	service := loggedInService(t, backend, nil)
	backend.set(func(backend *fakeBackend) { backend.refreshStatus = http.StatusUnauthorized })

	var expiredCalls atomic.Int32
	scheduler := NewExpiryScheduler(service, nil, nil, SchedulerHooks{
		OnExpired: func(ctx context.Context, cause error) {
			expiredCalls.Add(1)
			if !errors.Is(cause, ErrRefreshFailed) {
				t.Errorf("expected refresh failure cause, got %v", cause)
			}
		},
	})
	if outcome := scheduler.Tick(context.Background()); outcome != TickLoggedOut {
		t.Fatalf("expected logged out, got %s", outcome)
	}
	if expiredCalls.Load() != 1 {
		t.Fatalf("expected one expiry notification, got %d", expiredCalls.Load())
	}
}

func TestTickCancelledDuringRefreshStaysIdle(t *testing.T) {
	backend := newFakeBackend(t)
	backend.set(func(backend *fakeBackend) { backend.tokenTTL = 2 * time.Minute })
	service := loggedInService(t, backend, nil)

	var expiredCalls atomic.Int32
	scheduler := NewExpiryScheduler(service, cancelledRefresher{}, nil, SchedulerHooks{
		OnExpired: func(context.Context, error) { expiredCalls.Add(1) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if outcome := scheduler.Tick(ctx); outcome != TickIdle {
		t.Fatalf("expected idle after cancellation, got %s", outcome)
	}
	if expiredCalls.Load() != 0 {
		t.Fatalf("expected cancellation not to end the session")
	}
}

type cancelledRefresher struct{}

func (cancelledRefresher) Refresh(ctx context.Context) (string, error) {
	return "", ctx.Err()
}

func TestSchedulerLoopStopsAfterLogout(t *testing.T) {
	backend := newFakeBackend(t)
	service := loggedInService(t, backend, nil)
	codec := tokencodec.New(tokencodec.Config{Clock: fixedClock{current: time.Now().Add(time.Hour)}})
	scheduler := NewExpiryScheduler(service, nil, codec, SchedulerHooks{})

	scheduler.Start(context.Background())
	scheduler.Start(context.Background())
	if !scheduler.Running() {
		t.Fatalf("expected scheduler to run")
	}
	select {
	case <-scheduler.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected loop to exit after logout")
	}
	if scheduler.Running() {
		t.Fatalf("expected scheduler to be released after the loop exits")
	}
	if service.AccessToken() != "" {
		t.Fatalf("expected the loop to log the session out")
	}
	if backend.logoutCalls.Load() != 1 {
		t.Fatalf("expected one server logout, got %d", backend.logoutCalls.Load())
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	backend := newFakeBackend(t)
	service := newTestService(t, backend, nil, nil)
	scheduler := NewExpiryScheduler(service, nil, nil, SchedulerHooks{})

	scheduler.Stop()
	if scheduler.Done() != nil {
		t.Fatalf("expected no loop before Start")
	}
	scheduler.Start(context.Background())
	done := scheduler.Done()
	scheduler.Stop()
	scheduler.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected loop to exit after Stop")
	}
	if scheduler.Running() {
		t.Fatalf("expected scheduler to be stopped")
	}
}
