package sessionkit

import (
	"context"
	"errors"
	"sync"

	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap"
)

// Status is the observable authentication state.
type Status string

const (
	StatusUnauthenticated Status = "unauthenticated"
	StatusAuthenticating  Status = "authenticating"
	StatusAuthenticated   Status = "authenticated"
)

// Session is the value observed by UI code. Error carries the most recent failure message
// and is cleared by the next transition into authenticating.
type Session struct {
	AccessToken string
	Profile     *UserProfile
	Status      Status
	Error       string
}

// SessionExpiredMessage is reported in Session.Error when the session ends on its own.
const SessionExpiredMessage = "Your session has expired. Please sign in again."

// SessionListener observes every state change.
type SessionListener func(session Session)

// UnauthorizedListener observes sessions ended by an authorization failure, typically to
// route the user back to the login screen.
type UnauthorizedListener func(cause error)

// SessionFacade is the single entry point for UI code. It merges the credential store, the
// session service and the expiry scheduler into one state machine.
type SessionFacade struct {
	service   *SessionService
	executor  *RequestExecutor
	scheduler *ExpiryScheduler
	logger    *zap.Logger

	mutex                 sync.Mutex
	session               Session
	nextListenerID        int
	stateListeners        map[int]SessionListener
	unauthorizedListeners map[int]UnauthorizedListener
}

// NewSessionFacade wires an executor and scheduler around service. The facade starts
// unauthenticated; call Bootstrap to reconcile with persisted state and the server.
func NewSessionFacade(service *SessionService, codec *tokencodec.Codec) *SessionFacade {
	facade := &SessionFacade{
		service:               service,
		logger:                service.logger,
		session:               Session{Status: StatusUnauthenticated},
		stateListeners:        make(map[int]SessionListener),
		unauthorizedListeners: make(map[int]UnauthorizedListener),
	}
	facade.executor = NewRequestExecutor(service, facade.handleUnauthorized)
	facade.scheduler = NewExpiryScheduler(service, facade.executor, codec, SchedulerHooks{
		OnRefreshed: facade.handleProactiveRefresh,
		OnExpired:   facade.handleExpired,
	})
	return facade
}

// Executor returns the request executor business API calls must go through.
func (facade *SessionFacade) Executor() *RequestExecutor {
	return facade.executor
}

// Scheduler exposes the expiry scheduler.
func (facade *SessionFacade) Scheduler() *ExpiryScheduler {
	return facade.scheduler
}

// Snapshot returns the current session.
func (facade *SessionFacade) Snapshot() Session {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	return facade.snapshotLocked()
}

// Subscribe registers listener for state changes and returns its cancel function.
func (facade *SessionFacade) Subscribe(listener SessionListener) func() {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	listenerID := facade.nextListenerID
	facade.nextListenerID++
	facade.stateListeners[listenerID] = listener
	return func() {
		facade.mutex.Lock()
		defer facade.mutex.Unlock()
		delete(facade.stateListeners, listenerID)
	}
}

// OnUnauthorized registers listener for authorization-ended sessions and returns its cancel
// function.
func (facade *SessionFacade) OnUnauthorized(listener UnauthorizedListener) func() {
	facade.mutex.Lock()
	defer facade.mutex.Unlock()
	listenerID := facade.nextListenerID
	facade.nextListenerID++
	facade.unauthorizedListeners[listenerID] = listener
	return func() {
		facade.mutex.Lock()
		defer facade.mutex.Unlock()
		delete(facade.unauthorizedListeners, listenerID)
	}
}

// Bootstrap paints the cached profile first, then lets the server decide. When the server
// reports no session, local state is overwritten and the durable record is removed.
func (facade *SessionFacade) Bootstrap(ctx context.Context) Session {
	record := facade.service.RestoreCredentials(ctx)
	facade.transition(func(session *Session) {
		session.Status = StatusAuthenticating
		session.Error = ""
		if record.HadSession {
			session.Profile = record.Profile.Clone()
		}
	})

	profile, currentErr := facade.service.CurrentUser(ctx)
	switch {
	case currentErr != nil:
		facade.logger.Warn("could not confirm session with server",
			zap.String("code", "session.bootstrap.unconfirmed"),
			zap.Error(currentErr))
		facade.service.setAccessToken("")
		facade.transition(func(session *Session) {
			session.Status = StatusUnauthenticated
			session.Profile = nil
			session.Error = UserMessage(currentErr)
		})
	case profile == nil:
		facade.service.ClearLocal(ctx)
		facade.transition(func(session *Session) {
			session.Status = StatusUnauthenticated
			session.Profile = nil
		})
	default:
		facade.transition(func(session *Session) {
			session.Status = StatusAuthenticated
			session.Profile = profile.Clone()
		})
		facade.scheduler.Start(context.WithoutCancel(ctx))
	}
	return facade.Snapshot()
}

// Login authenticates with email and password. Failures settle back to unauthenticated
// with Error set to the server message, and any session held before the attempt is ended.
func (facade *SessionFacade) Login(ctx context.Context, request LoginRequest) error {
	facade.scheduler.Stop()
	facade.transition(func(session *Session) {
		session.Status = StatusAuthenticating
		session.Error = ""
	})

	result, loginErr := facade.service.Login(ctx, request)
	if loginErr != nil {
		facade.service.Logout(context.WithoutCancel(ctx))
		facade.transition(func(session *Session) {
			session.Status = StatusUnauthenticated
			session.Profile = nil
			session.Error = UserMessage(loginErr)
		})
		return loginErr
	}

	facade.transition(func(session *Session) {
		session.Status = StatusAuthenticated
		session.Profile = result.Profile.Clone()
	})
	facade.scheduler.Start(context.WithoutCancel(ctx))
	return nil
}

// Logout ends the session on this device.
func (facade *SessionFacade) Logout(ctx context.Context) {
	facade.scheduler.Stop()
	facade.service.Logout(ctx)
	facade.settleUnauthenticated("")
}

// LogoutAll ends every session of the user.
func (facade *SessionFacade) LogoutAll(ctx context.Context) {
	facade.scheduler.Stop()
	facade.service.LogoutAll(ctx)
	facade.settleUnauthenticated("")
}

// Close stops background work. The session itself is left untouched.
func (facade *SessionFacade) Close() {
	facade.scheduler.Stop()
}

func (facade *SessionFacade) handleUnauthorized(cause error) {
	facade.scheduler.Stop()
	facade.settleUnauthenticated(SessionExpiredMessage)
	facade.notifyUnauthorized(cause)
}

func (facade *SessionFacade) handleExpired(ctx context.Context, cause error) {
	facade.scheduler.Stop()
	wasAuthenticated := facade.Snapshot().Status != StatusUnauthenticated
	facade.service.Logout(ctx)
	facade.settleUnauthenticated(SessionExpiredMessage)
	if wasAuthenticated {
		if !errors.Is(cause, ErrSessionExpired) {
			cause = &ServiceError{Kind: ErrSessionExpired, Cause: cause}
		}
		facade.notifyUnauthorized(cause)
	}
}

func (facade *SessionFacade) handleProactiveRefresh(profile UserProfile) {
	facade.transition(func(session *Session) {
		session.Status = StatusAuthenticated
		session.Profile = profile.Clone()
	})
}

func (facade *SessionFacade) settleUnauthenticated(message string) {
	facade.transition(func(session *Session) {
		session.Status = StatusUnauthenticated
		session.Profile = nil
		session.Error = message
	})
}

func (facade *SessionFacade) transition(mutate func(session *Session)) {
	facade.mutex.Lock()
	previous := facade.snapshotLocked()
	mutate(&facade.session)
	current := facade.snapshotLocked()
	listeners := make([]SessionListener, 0, len(facade.stateListeners))
	for _, listener := range facade.stateListeners {
		listeners = append(listeners, listener)
	}
	facade.mutex.Unlock()

	if sameSession(previous, current) {
		return
	}
	facade.logger.Debug("session state changed",
		zap.String("from", string(previous.Status)),
		zap.String("to", string(current.Status)))
	for _, listener := range listeners {
		listener(current)
	}
}

func (facade *SessionFacade) notifyUnauthorized(cause error) {
	facade.mutex.Lock()
	listeners := make([]UnauthorizedListener, 0, len(facade.unauthorizedListeners))
	for _, listener := range facade.unauthorizedListeners {
		listeners = append(listeners, listener)
	}
	facade.mutex.Unlock()
	for _, listener := range listeners {
		listener(cause)
	}
}

func (facade *SessionFacade) snapshotLocked() Session {
	snapshot := Session{
		Profile: facade.session.Profile.Clone(),
		Status:  facade.session.Status,
		Error:   facade.session.Error,
	}
	if snapshot.Status == StatusAuthenticated {
		snapshot.AccessToken = facade.service.AccessToken()
	}
	return snapshot
}

func sameSession(left Session, right Session) bool {
	return left.Status == right.Status &&
		left.Error == right.Error &&
		left.AccessToken == right.AccessToken &&
		left.Profile.Equal(right.Profile)
}
