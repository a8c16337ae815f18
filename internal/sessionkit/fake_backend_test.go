package sessionkit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap/zaptest"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

var testProfile = UserProfile{
	ID:        "user-123",
	Email:     "user@example.com",
	Name:      "Portal User",
	Role:      "customer",
	CreatedAt: time.Unix(1700000000, 0).UTC(),
	UpdatedAt: time.Unix(1700000000, 0).UTC(),
}

func signTestToken(expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokencodec.Claims{
		UserID: testProfile.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testProfile.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			// Distinct tokens for the same expiry.
			ID: uuid.NewString(),
		},
	})
	return token.SignedString([]byte("fake-backend-key"))
}

func mintTestToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	signed, err := signTestToken(expiresAt)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// fakeBackend serves the auth contract with switchable failure modes and call counters.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mutex          sync.Mutex
	validTokens    map[string]bool
	loginStatus    int
	loginMessage   string
	refreshStatus  int
	logoutStatus   int
	meStatus       int
	dataAlways401  bool
	tokenTTL       time.Duration
	refreshBarrier chan struct{}
	barrierTarget  int32
	lastDataBody   string
	lastRefreshReq *http.Request

	loginCalls     atomic.Int32
	refreshCalls   atomic.Int32
	meCalls        atomic.Int32
	logoutCalls    atomic.Int32
	logoutAllCalls atomic.Int32
	dataCalls      atomic.Int32
	data401s       atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := &fakeBackend{
		t:           t,
		validTokens: make(map[string]bool),
		tokenTTL:    15 * time.Minute,
	}

	router := gin.New()
	router.POST(LoginPath, backend.handleLogin)
	router.POST(RefreshPath, backend.handleRefresh)
	router.POST(MePath, backend.handleMe)
	router.POST(LogoutPath, backend.handleLogout(&backend.logoutCalls))
	router.POST(LogoutAllPath, backend.handleLogout(&backend.logoutAllCalls))
	router.Any("/api/data", backend.handleData)

	backend.server = httptest.NewServer(router)
	t.Cleanup(backend.server.Close)
	return backend
}

func (backend *fakeBackend) issueToken() string {
	backend.mutex.Lock()
	ttl := backend.tokenTTL
	backend.mutex.Unlock()
	token, signErr := signTestToken(time.Now().Add(ttl))
	if signErr != nil {
		backend.t.Errorf("failed to sign token: %v", signErr)
	}
	backend.mutex.Lock()
	backend.validTokens[token] = true
	backend.mutex.Unlock()
	return token
}

func (backend *fakeBackend) revokeAll() {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.validTokens = make(map[string]bool)
}

func (backend *fakeBackend) set(mutate func(backend *fakeBackend)) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	mutate(backend)
}

// holdRefreshUntil401s makes /auth/refresh wait until target data requests have been
// rejected, so concurrent callers are guaranteed to overlap.
func (backend *fakeBackend) holdRefreshUntil401s(target int32) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.refreshBarrier = make(chan struct{})
	backend.barrierTarget = target
}

func (backend *fakeBackend) bearerValid(contextGin *gin.Context) bool {
	token, found := strings.CutPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
	if !found {
		return false
	}
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.validTokens[token]
}

func (backend *fakeBackend) handleLogin(contextGin *gin.Context) {
	backend.loginCalls.Add(1)
	backend.mutex.Lock()
	status, message := backend.loginStatus, backend.loginMessage
	backend.mutex.Unlock()
	if status != 0 {
		contextGin.JSON(status, gin.H{"message": message})
		return
	}
	var request LoginRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil || request.Password != "secret-password" {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"accessToken": backend.issueToken(), "user": testProfile})
}

func (backend *fakeBackend) handleRefresh(contextGin *gin.Context) {
	backend.refreshCalls.Add(1)
	backend.mutex.Lock()
	barrier := backend.refreshBarrier
	status := backend.refreshStatus
	backend.lastRefreshReq = contextGin.Request.Clone(context.Background())
	backend.mutex.Unlock()
	if barrier != nil {
		select {
		case <-barrier:
		case <-time.After(5 * time.Second):
			backend.t.Errorf("refresh barrier timed out")
		}
	}
	if status != 0 {
		contextGin.JSON(status, gin.H{"message": "Refresh token invalid"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"accessToken": backend.issueToken()})
}

func (backend *fakeBackend) handleMe(contextGin *gin.Context) {
	backend.meCalls.Add(1)
	backend.mutex.Lock()
	status := backend.meStatus
	backend.mutex.Unlock()
	if status != 0 {
		contextGin.JSON(status, gin.H{"message": "Profile unavailable"})
		return
	}
	if !backend.bearerValid(contextGin) {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"user": testProfile})
}

func (backend *fakeBackend) handleLogout(counter *atomic.Int32) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		counter.Add(1)
		backend.mutex.Lock()
		status := backend.logoutStatus
		backend.mutex.Unlock()
		if status != 0 {
			contextGin.JSON(status, gin.H{"message": "Logout failed"})
			return
		}
		contextGin.Status(http.StatusNoContent)
	}
}

func (backend *fakeBackend) handleData(contextGin *gin.Context) {
	backend.dataCalls.Add(1)
	body, _ := io.ReadAll(contextGin.Request.Body)
	backend.mutex.Lock()
	backend.lastDataBody = string(body)
	always401 := backend.dataAlways401
	backend.mutex.Unlock()

	if always401 || !backend.bearerValid(contextGin) {
		rejected := backend.data401s.Add(1)
		backend.mutex.Lock()
		if backend.refreshBarrier != nil && rejected == backend.barrierTarget {
			close(backend.refreshBarrier)
		}
		backend.mutex.Unlock()
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"ok": true, "echo": string(body)})
}

func newTestService(t *testing.T, backend *fakeBackend, store CredentialStore, metrics MetricsRecorder) *SessionService {
	t.Helper()
	if store == nil {
		store = NewMemoryCredentialStore()
	}
	service, err := NewSessionService(ClientConfig{
		BaseURL:          backend.server.URL,
		RequestTimeout:   5 * time.Second,
		CheckInterval:    10 * time.Millisecond,
		RefreshThreshold: 5 * time.Minute,
	}, ServiceDependencies{
		Credentials: store,
		Logger:      zaptest.NewLogger(t),
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}
