package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portalauth/internal/devbackend"
	"github.com/tyemirov/portalauth/internal/sessionkit"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail      = "user@example.com"
	testPassword   = "secret-password"
	testSigningKey = "signing-secret"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestLoadClientConfigRequiresBaseURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	_, err := LoadClientConfig()
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.missing_base_url: base_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadClientConfigRejectsNegativeDurations(t *testing.T) {
	testCases := []struct {
		name            string
		key             string
		expectedMessage string
	}{
		{name: "request timeout", key: "request_timeout", expectedMessage: "config.invalid_request_timeout: request_timeout must not be negative"},
		{name: "check interval", key: "check_interval", expectedMessage: "config.invalid_check_interval: check_interval must not be negative"},
		{name: "refresh threshold", key: "refresh_threshold", expectedMessage: "config.invalid_refresh_threshold: refresh_threshold must not be negative"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			viper.Set("base_url", "https://portal.example.com")
			viper.Set("credential_store_url", memoryStoreURL)
			viper.Set(testCase.key, -time.Second)

			_, err := LoadClientConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadClientConfigDefaultsCredentialStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("HOME", configDir)
	viper.Set("base_url", "https://portal.example.com")
	viper.Set("check_interval", 30*time.Second)

	settings, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(settings.CredentialStoreURL, "sqlite://") || !strings.HasSuffix(settings.CredentialStoreURL, filepath.Join("portalauth", "session.db")) {
		t.Fatalf("unexpected default credential store url %q", settings.CredentialStoreURL)
	}
	if settings.Client.BaseURL != "https://portal.example.com" || settings.Client.CheckInterval != 30*time.Second {
		t.Fatalf("unexpected client config %+v", settings.Client)
	}
}

func TestClientCommandWithoutPreparedConfig(t *testing.T) {
	err := withClient(&cobra.Command{}, func(ctx context.Context, client *portalClient) error {
		t.Fatalf("run must not be reached")
		return nil
	})
	expectedMessage := "config.uninitialized_client_config: client configuration not prepared; PreRunE must execute before RunE"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestOpenCredentialStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	memoryStore, closeMemory, err := openCredentialStore(ctx, memoryStoreURL)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	defer closeMemory()
	if _, ok := memoryStore.(*sessionkit.MemoryCredentialStore); !ok {
		t.Fatalf("expected memory store, got %T", memoryStore)
	}

	sqlitePath := filepath.Join(t.TempDir(), "nested", "portal", "session.db")
	sqliteStore, closeSQLite, err := openCredentialStore(ctx, "sqlite://"+sqlitePath)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer closeSQLite()
	databaseStore, ok := sqliteStore.(*sessionkit.DatabaseCredentialStore)
	if !ok {
		t.Fatalf("expected database store, got %T", sqliteStore)
	}
	if databaseStore.Driver() != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", databaseStore.Driver())
	}

	if _, _, err := openCredentialStore(ctx, "mysql://localhost/portal"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestCommandsSessionLifecycle(t *testing.T) {
	server := newTestBackend(t)
	restoreTransport := withHTTPTransport(server.Client().Transport)
	defer restoreTransport()
	storeURL := "sqlite://" + filepath.Join(t.TempDir(), "session.db")

	output, err := executeCommand(t, server.URL, storeURL, "whoami")
	if err != nil || strings.TrimSpace(output) != "not signed in" {
		t.Fatalf("expected signed-out whoami, got %q (%v)", output, err)
	}

	output, err = executeCommand(t, server.URL, storeURL, "login", "--email", testEmail, "--password", testPassword)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(output, "signed in as "+testEmail) {
		t.Fatalf("unexpected login output %q", output)
	}

	output, err = executeCommand(t, server.URL, storeURL, "whoami")
	if err != nil || !strings.Contains(output, "signed in as "+testEmail) {
		t.Fatalf("expected restored session, got %q (%v)", output, err)
	}

	output, err = executeCommand(t, server.URL, storeURL, "request", "get", "/api/account")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(output, `"email": "`+testEmail+`"`) {
		t.Fatalf("unexpected account response %q", output)
	}

	output, err = executeCommand(t, server.URL, storeURL, "logout")
	if err != nil || strings.TrimSpace(output) != "signed out" {
		t.Fatalf("unexpected logout result %q (%v)", output, err)
	}

	output, err = executeCommand(t, server.URL, storeURL, "whoami")
	if err != nil || strings.TrimSpace(output) != "not signed in" {
		t.Fatalf("expected signed-out whoami after logout, got %q (%v)", output, err)
	}
}

func TestLoginCommandReportsServerMessage(t *testing.T) {
	server := newTestBackend(t)
	restoreTransport := withHTTPTransport(server.Client().Transport)
	defer restoreTransport()

	_, err := executeCommand(t, server.URL, memoryStoreURL, "login", "--email", testEmail, "--password", "wrong-password")
	if err == nil || err.Error() != "login failed: Invalid credentials" {
		t.Fatalf("expected invalid credentials error, got %v", err)
	}
}

func TestLoginCommandRequiresCredentials(t *testing.T) {
	_, err := executeCommand(t, "https://portal.example.com", memoryStoreURL, "login", "--email", testEmail)
	expectedMessage := "config.missing_login_credentials: email and password must be provided"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestRequestCommandRequiresSession(t *testing.T) {
	server := newTestBackend(t)
	restoreTransport := withHTTPTransport(server.Client().Transport)
	defer restoreTransport()

	_, err := executeCommand(t, server.URL, memoryStoreURL, "request", "GET", "/api/account")
	if !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected not signed in error, got %v", err)
	}
}

func TestRequestCommandRejectsInvalidData(t *testing.T) {
	_, err := executeCommand(t, "https://portal.example.com", memoryStoreURL, "request", "POST", "/api/account", "--data", "{not json")
	expectedMessage := "config.invalid_request_data: data must be valid JSON"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestWatchCommandServesMetricsUntilStopped(t *testing.T) {
	server := newTestBackend(t)
	restoreTransport := withHTTPTransport(server.Client().Transport)
	defer restoreTransport()
	storeURL := "sqlite://" + filepath.Join(t.TempDir(), "session.db")

	if _, err := executeCommand(t, server.URL, storeURL, "login", "--email", testEmail, "--password", testPassword); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	metricsServers := make(chan *http.Server, 1)
	restoreServe := withServeHTTPStub(func(metricsServer *http.Server) error {
		metricsServers <- metricsServer
		return http.ErrServerClosed
	})
	defer restoreServe()
	previousWatchContext := watchContext
	watchContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, 100*time.Millisecond)
	}
	defer func() { watchContext = previousWatchContext }()

	output, err := executeCommand(t, server.URL, storeURL, "watch", "--metrics_addr", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if !strings.Contains(output, "signed in as "+testEmail) || !strings.Contains(output, "stopped") {
		t.Fatalf("unexpected watch output %q", output)
	}

	var metricsServer *http.Server
	select {
	case metricsServer = <-metricsServers:
	case <-time.After(time.Second):
		t.Fatalf("expected metrics server to be started")
	}
	if metricsServer.Addr != "127.0.0.1:0" {
		t.Fatalf("unexpected metrics address %q", metricsServer.Addr)
	}
	recorder := httptest.NewRecorder()
	metricsServer.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), `portal_session_events_total{event="refresh.success"} 1`) {
		t.Fatalf("expected refresh counter in metrics output, got %q", recorder.Body.String())
	}
}

func TestWatchCommandRequiresSession(t *testing.T) {
	server := newTestBackend(t)
	restoreTransport := withHTTPTransport(server.Client().Transport)
	defer restoreTransport()

	output, err := executeCommand(t, server.URL, memoryStoreURL, "watch")
	if !errors.Is(err, errNotSignedIn) {
		t.Fatalf("expected not signed in error, got %v", err)
	}
	if strings.TrimSpace(output) != "not signed in" {
		t.Fatalf("unexpected watch output %q", output)
	}
}

func TestLoadDevBackendConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		values          map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			values:          map[string]any{},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "invalid access ttl",
			values:          map[string]any{"jwt_signing_key": testSigningKey, "access_ttl": time.Duration(0)},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "invalid refresh ttl",
			values:          map[string]any{"jwt_signing_key": testSigningKey, "access_ttl": time.Minute, "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "missing seed user",
			values:          map[string]any{"jwt_signing_key": testSigningKey, "access_ttl": time.Minute, "refresh_ttl": time.Hour},
			expectedMessage: "config.missing_seed_user: seed_email and seed_password must be provided",
		},
		{
			name: "wildcard cors origin",
			values: map[string]any{
				"jwt_signing_key": testSigningKey, "access_ttl": time.Minute, "refresh_ttl": time.Hour,
				"seed_email": testEmail, "seed_password": testPassword,
				"cors_allowed_origins": []string{"*"},
			},
			expectedMessage: `config.invalid_cors_origin: cors_allowed_origins: not a bare scheme://host origin: "*"`,
		},
		{
			name: "plain http cors origin",
			values: map[string]any{
				"jwt_signing_key": testSigningKey, "access_ttl": time.Minute, "refresh_ttl": time.Hour,
				"seed_email": testEmail, "seed_password": testPassword,
				"cors_allowed_origins": []string{"http://portal.example.com"},
			},
			expectedMessage: `config.invalid_cors_origin: cors_allowed_origins: plain http origin requires dev_insecure_http: "http://portal.example.com"`,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.values {
				viper.Set(key, value)
			}
			_, err := LoadDevBackendConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadDevBackendConfigCORSUsesSameSiteNone(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", testSigningKey)
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("seed_email", testEmail)
	viper.Set("seed_password", testPassword)
	viper.Set("cors_allowed_origins", []string{" HTTPS://Portal.Example.com/ ", "https://portal.example.com", ""})

	settings, err := LoadDevBackendConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Server.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None with CORS, got %v", settings.Server.SameSiteMode)
	}
	if len(settings.CORSAllowedOrigins) != 1 || settings.CORSAllowedOrigins[0] != "https://portal.example.com" {
		t.Fatalf("expected one canonical origin, got %v", settings.CORSAllowedOrigins)
	}
	if settings.Server.RefreshCookieName != refreshCookieName || settings.Server.AppJWTIssuer != devBackendIssuer {
		t.Fatalf("unexpected server config %+v", settings.Server)
	}
}

func TestRunDevBackendMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runDevBackend(&cobra.Command{}, nil)
	expectedMessage := "config.uninitialized_backend_config: backend configuration not prepared; PreRunE must execute before RunE"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestDevBackendCommandServesLogin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var handler http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Addr != "127.0.0.1:0" {
			t.Errorf("unexpected listen address %q", server.Addr)
		}
		handler = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Reset()
	defer viper.Reset()
	command := newRootCommand()
	command.SetOut(&bytes.Buffer{})
	command.SetArgs([]string{
		"dev-backend",
		"--listen_addr", "127.0.0.1:0",
		"--jwt_signing_key", testSigningKey,
		"--seed_email", testEmail,
		"--seed_password", testPassword,
		"--dev_insecure_http",
	})
	if err := command.Execute(); err != nil {
		t.Fatalf("dev-backend failed: %v", err)
	}
	if handler == nil {
		t.Fatalf("expected handler to be configured")
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"user@example.com","password":"secret-password"}`))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Header().Get("Set-Cookie"), refreshCookieName+"=") {
		t.Fatalf("expected refresh cookie, got %q", recorder.Header().Get("Set-Cookie"))
	}
}

func TestDevBackendCommandPersistsRefreshTokens(t *testing.T) {
	gin.SetMode(gin.TestMode)
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "refresh.db")

	var refreshOpaque string
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		recorder := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"user@example.com","password":"secret-password"}`))
		request.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(recorder, request)
		for _, cookie := range recorder.Result().Cookies() {
			if cookie.Name == refreshCookieName {
				refreshOpaque = cookie.Value
			}
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Reset()
	defer viper.Reset()
	command := newRootCommand()
	command.SetOut(&bytes.Buffer{})
	command.SetArgs([]string{
		"dev-backend",
		"--jwt_signing_key", testSigningKey,
		"--seed_email", testEmail,
		"--seed_password", testPassword,
		"--dev_insecure_http",
		"--database_url", databaseURL,
	})
	if err := command.Execute(); err != nil {
		t.Fatalf("dev-backend failed: %v", err)
	}
	if refreshOpaque == "" {
		t.Fatalf("expected login to set a refresh cookie")
	}

	store, err := devbackend.NewDatabaseRefreshTokenStore(context.Background(), databaseURL, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer store.Close()
	if userID, _, validateErr := store.Validate(context.Background(), refreshOpaque); validateErr != nil || userID == "" {
		t.Fatalf("expected persisted refresh token, got %q (%v)", userID, validateErr)
	}
}

func TestDevBackendCommandListenError(t *testing.T) {
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return errors.New("address in use")
	})
	defer restoreServe()

	viper.Reset()
	defer viper.Reset()
	command := newRootCommand()
	command.SetOut(&bytes.Buffer{})
	command.SetErr(&bytes.Buffer{})
	command.SetArgs([]string{"dev-backend", "--jwt_signing_key", testSigningKey, "--seed_email", testEmail, "--seed_password", testPassword})
	err := command.Execute()
	if err == nil || err.Error() != "listen error: address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func newTestBackend(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := tokencodec.SystemClock()
	users := devbackend.NewInMemoryUsers(clock, bcrypt.MinCost)
	if _, err := users.Register(context.Background(), testEmail, testPassword, "Portal User", "customer"); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	router, err := devbackend.NewRouter(devbackend.RouterOptions{
		Config: devbackend.ServerConfig{
			AppJWTSigningKey:  []byte(testSigningKey),
			AppJWTIssuer:      devBackendIssuer,
			RefreshCookieName: refreshCookieName,
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        time.Hour,
			SameSiteMode:      http.SameSiteStrictMode,
		},
		Dependencies: devbackend.RouteDependencies{
			Users:         users,
			RefreshTokens: devbackend.NewMemoryRefreshTokenStore(clock),
			Clock:         clock,
		},
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	server := httptest.NewTLSServer(router)
	t.Cleanup(server.Close)
	return server
}

func executeCommand(t *testing.T, baseURL string, storeURL string, arguments ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	var output bytes.Buffer
	command := newRootCommand()
	command.SetOut(&output)
	command.SetErr(&bytes.Buffer{})
	command.SetArgs(append([]string{"--base_url", baseURL, "--credential_store_url", storeURL}, arguments...))
	err := command.Execute()
	return output.String(), err
}

func withHTTPTransport(transport http.RoundTripper) func() {
	previous := buildHTTPTransport
	buildHTTPTransport = func() http.RoundTripper {
		return transport
	}
	return func() {
		buildHTTPTransport = previous
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
