package sessionkit

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap"
)

// TickOutcome reports what a single scheduler check did.
type TickOutcome int

const (
	// TickIdle means no token was held.
	TickIdle TickOutcome = iota
	// TickHealthy means the token is far enough from expiry.
	TickHealthy
	// TickRefreshed means the token was refreshed ahead of expiry.
	TickRefreshed
	// TickLoggedOut means the session was ended.
	TickLoggedOut
)

func (outcome TickOutcome) String() string {
	switch outcome {
	case TickIdle:
		return "idle"
	case TickHealthy:
		return "healthy"
	case TickRefreshed:
		return "refreshed"
	case TickLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Refresher obtains a new access token. RequestExecutor satisfies it so that proactive
// and reactive refreshes share one in-flight call.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// SchedulerHooks connect the scheduler to the owner of the session state.
type SchedulerHooks struct {
	// OnRefreshed receives the profile fetched after a proactive refresh.
	OnRefreshed func(profile UserProfile)
	// OnExpired ends the session. When nil the scheduler calls SessionService.Logout.
	OnExpired func(ctx context.Context, cause error)
}

// ExpiryScheduler periodically checks the held token: an expired token ends the session
// without a refresh attempt, a token close to expiry is refreshed, anything else is left
// alone. Reactive 401 handling in RequestExecutor remains the correctness backstop.
type ExpiryScheduler struct {
	service   *SessionService
	refresher Refresher
	codec     *tokencodec.Codec
	interval  time.Duration
	threshold time.Duration
	hooks     SchedulerHooks
	logger    *zap.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExpiryScheduler constructs a stopped scheduler using the service configuration's
// CheckInterval and RefreshThreshold. refresher defaults to the service itself.
func NewExpiryScheduler(service *SessionService, refresher Refresher, codec *tokencodec.Codec, hooks SchedulerHooks) *ExpiryScheduler {
	if refresher == nil {
		refresher = service
	}
	if codec == nil {
		codec = tokencodec.New(tokencodec.Config{})
	}
	return &ExpiryScheduler{
		service:   service,
		refresher: refresher,
		codec:     codec,
		interval:  service.configuration.CheckInterval,
		threshold: service.configuration.RefreshThreshold,
		hooks:     hooks,
		logger:    service.logger,
	}
}

// Start launches the periodic check. Calling Start on a running scheduler is a no-op.
func (scheduler *ExpiryScheduler) Start(ctx context.Context) {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.cancel != nil {
		return
	}
	loopContext, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	scheduler.cancel = cancel
	scheduler.done = done
	go scheduler.run(loopContext, done)
}

// Stop cancels the periodic check. It does not wait, so it is safe to call from a hook
// invoked by the scheduler itself; use Done to wait for the loop to exit.
func (scheduler *ExpiryScheduler) Stop() {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if scheduler.cancel == nil {
		return
	}
	scheduler.cancel()
	scheduler.cancel = nil
}

// Running reports whether the loop is active.
func (scheduler *ExpiryScheduler) Running() bool {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.cancel != nil
}

// Done is closed when the most recently started loop exits; nil if never started.
func (scheduler *ExpiryScheduler) Done() <-chan struct{} {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return scheduler.done
}

func (scheduler *ExpiryScheduler) run(ctx context.Context, done chan struct{}) {
	defer scheduler.finish(done)
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if outcome := scheduler.Tick(ctx); outcome == TickLoggedOut {
				return
			}
		}
	}
}

// finish releases the loop slot so a later Start can launch a new loop.
func (scheduler *ExpiryScheduler) finish(done chan struct{}) {
	scheduler.mutex.Lock()
	if scheduler.done == done && scheduler.cancel != nil {
		scheduler.cancel()
		scheduler.cancel = nil
	}
	scheduler.mutex.Unlock()
	close(done)
}

// Tick performs one check against the held token.
func (scheduler *ExpiryScheduler) Tick(ctx context.Context) TickOutcome {
	token := scheduler.service.AccessToken()
	if token == "" {
		return TickIdle
	}
	if scheduler.codec.IsExpired(token) {
		scheduler.service.metrics.Increment(MetricSchedulerExpired)
		scheduler.logger.Info("access token expired; ending session",
			zap.String("code", "scheduler.token_expired"))
		scheduler.expire(ctx, &ServiceError{Kind: ErrSessionExpired})
		return TickLoggedOut
	}
	if !scheduler.codec.IsExpiringSoon(token, scheduler.threshold) {
		return TickHealthy
	}

	scheduler.service.metrics.Increment(MetricSchedulerRefresh)
	scheduler.logger.Debug("access token expiring soon; refreshing",
		zap.Duration("remaining", scheduler.codec.TimeRemaining(token)))
	if _, refreshErr := scheduler.refresher.Refresh(ctx); refreshErr != nil {
		if ctx.Err() != nil {
			return TickIdle
		}
		scheduler.expire(ctx, refreshErr)
		return TickLoggedOut
	}
	profile, profileErr := scheduler.service.FetchProfile(ctx)
	if profileErr != nil {
		if ctx.Err() != nil {
			return TickIdle
		}
		scheduler.expire(ctx, profileErr)
		return TickLoggedOut
	}
	if scheduler.hooks.OnRefreshed != nil {
		scheduler.hooks.OnRefreshed(*profile)
	}
	return TickRefreshed
}

func (scheduler *ExpiryScheduler) expire(ctx context.Context, cause error) {
	logoutContext := context.WithoutCancel(ctx)
	if scheduler.hooks.OnExpired != nil {
		scheduler.hooks.OnExpired(logoutContext, cause)
		return
	}
	scheduler.service.Logout(logoutContext)
}
