package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portalauth/internal/credentialpg"
	"github.com/tyemirov/portalauth/internal/sessionkit"
	"go.uber.org/zap"
)

var buildHTTPTransport = func() http.RoundTripper {
	return http.DefaultTransport
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "portal",
		Short:        "Cloud portal session client: login, refresh, and authenticated API calls",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("base_url", "", "Portal backend base URL")
	rootCmd.PersistentFlags().String("credential_store_url", "", "Session store: sqlite://path, postgres://..., pgx+postgres://..., or memory (default: sqlite in the user config dir)")
	rootCmd.PersistentFlags().Duration("request_timeout", sessionkit.DefaultRequestTimeout, "Per-request HTTP timeout")
	rootCmd.PersistentFlags().Duration("check_interval", sessionkit.DefaultCheckInterval, "How often the expiry scheduler checks the access token")
	rootCmd.PersistentFlags().Duration("refresh_threshold", sessionkit.DefaultRefreshThreshold, "Refresh the access token when less than this remains")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable development logging")

	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("credential_store_url", rootCmd.PersistentFlags().Lookup("credential_store_url"))
	_ = viper.BindPFlag("request_timeout", rootCmd.PersistentFlags().Lookup("request_timeout"))
	_ = viper.BindPFlag("check_interval", rootCmd.PersistentFlags().Lookup("check_interval"))
	_ = viper.BindPFlag("refresh_threshold", rootCmd.PersistentFlags().Lookup("refresh_threshold"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(
		newLoginCommand(),
		newWhoAmICommand(),
		newLogoutCommand(),
		newRequestCommand(),
		newWatchCommand(),
		newDevBackendCommand(),
	)

	viper.SetEnvPrefix("PORTAL")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingBaseURL          = "config.missing_base_url"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeInvalidCheckInterval    = "config.invalid_check_interval"
	configCodeInvalidRefreshThreshold = "config.invalid_refresh_threshold"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
	configCodeCredentialStore         = "config.credential_store"

	memoryStoreURL = "memory"
)

type contextKey string

const clientSettingsContextKey contextKey = "clientSettings"

// ClientSettings is the resolved configuration of the client commands.
type ClientSettings struct {
	Client             sessionkit.ClientConfig
	CredentialStoreURL string
	Debug              bool
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadClientConfig reads client settings from flags and PORTAL_* environment variables.
func LoadClientConfig() (ClientSettings, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return ClientSettings{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout < 0 {
		return ClientSettings{}, configError(configCodeInvalidRequestTimeout, "request_timeout must not be negative")
	}
	checkInterval := viper.GetDuration("check_interval")
	if checkInterval < 0 {
		return ClientSettings{}, configError(configCodeInvalidCheckInterval, "check_interval must not be negative")
	}
	refreshThreshold := viper.GetDuration("refresh_threshold")
	if refreshThreshold < 0 {
		return ClientSettings{}, configError(configCodeInvalidRefreshThreshold, "refresh_threshold must not be negative")
	}

	credentialStoreURL := strings.TrimSpace(viper.GetString("credential_store_url"))
	if credentialStoreURL == "" {
		defaultURL, defaultErr := defaultCredentialStoreURL()
		if defaultErr != nil {
			return ClientSettings{}, configError(configCodeCredentialStore, defaultErr.Error())
		}
		credentialStoreURL = defaultURL
	}

	return ClientSettings{
		Client: sessionkit.ClientConfig{
			BaseURL:          baseURL,
			RequestTimeout:   requestTimeout,
			CheckInterval:    checkInterval,
			RefreshThreshold: refreshThreshold,
		},
		CredentialStoreURL: credentialStoreURL,
		Debug:              viper.GetBool("debug"),
	}, nil
}

func defaultCredentialStoreURL() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return "sqlite://" + filepath.Join(configDir, "portalauth", "session.db"), nil
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientSettingsContextKey, settings))
	return nil
}

func clientSettingsFrom(command *cobra.Command) (ClientSettings, error) {
	var contextValue any
	if commandContext := command.Context(); commandContext != nil {
		contextValue = commandContext.Value(clientSettingsContextKey)
	}
	settings, ok := contextValue.(ClientSettings)
	if !ok {
		return ClientSettings{}, configError(configCodeUninitializedClientConf, "client configuration not prepared; PreRunE must execute before RunE")
	}
	return settings, nil
}

type sessionStore interface {
	sessionkit.CredentialStore
	sessionkit.CookieStore
}

func openCredentialStore(ctx context.Context, credentialStoreURL string) (sessionStore, func(), error) {
	switch {
	case credentialStoreURL == memoryStoreURL:
		return sessionkit.NewMemoryCredentialStore(), func() {}, nil
	case strings.HasPrefix(credentialStoreURL, credentialpg.SchemePrefix):
		store, err := credentialpg.Open(ctx, credentialStoreURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		if sqlitePath, isSQLite := strings.CutPrefix(credentialStoreURL, "sqlite://"); isSQLite && sqlitePath != "" && !strings.HasPrefix(sqlitePath, "file:") {
			if mkdirErr := os.MkdirAll(filepath.Dir(sqlitePath), 0o700); mkdirErr != nil {
				return nil, nil, fmt.Errorf("credential_store.mkdir: %w", mkdirErr)
			}
		}
		store, err := sessionkit.NewDatabaseCredentialStore(ctx, credentialStoreURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// portalClient bundles the collaborators every client command needs.
type portalClient struct {
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *sessionkit.PrometheusMetrics
	service    *sessionkit.SessionService
	facade     *sessionkit.SessionFacade
	closeStore func()
}

func newPortalClient(ctx context.Context, settings ClientSettings) (*portalClient, error) {
	logger, loggerErr := newLogger(settings.Debug)
	if loggerErr != nil {
		return nil, loggerErr
	}
	store, closeStore, storeErr := openCredentialStore(ctx, settings.CredentialStoreURL)
	if storeErr != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("%s: %w", configCodeCredentialStore, storeErr)
	}
	jar, jarErr := sessionkit.NewPersistentCookieJar(ctx, store, logger)
	if jarErr != nil {
		closeStore()
		return nil, jarErr
	}
	registry := prometheus.NewRegistry()
	metrics, metricsErr := sessionkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		closeStore()
		return nil, metricsErr
	}
	requestTimeout := settings.Client.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = sessionkit.DefaultRequestTimeout
	}
	service, serviceErr := sessionkit.NewSessionService(settings.Client, sessionkit.ServiceDependencies{
		HTTPClient:  &http.Client{Transport: buildHTTPTransport(), Jar: jar, Timeout: requestTimeout},
		Credentials: store,
		Logger:      logger,
		Metrics:     metrics,
	})
	if serviceErr != nil {
		closeStore()
		return nil, serviceErr
	}
	return &portalClient{
		logger:     logger,
		registry:   registry,
		metrics:    metrics,
		service:    service,
		facade:     sessionkit.NewSessionFacade(service, nil),
		closeStore: closeStore,
	}, nil
}

func (client *portalClient) Close() {
	client.facade.Close()
	if done := client.facade.Scheduler().Done(); done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	client.closeStore()
	_ = client.logger.Sync()
}

// withClient prepares a portalClient for command and closes it afterwards.
func withClient(command *cobra.Command, run func(ctx context.Context, client *portalClient) error) error {
	settings, settingsErr := clientSettingsFrom(command)
	if settingsErr != nil {
		return settingsErr
	}
	ctx := command.Context()
	client, clientErr := newPortalClient(ctx, settings)
	if clientErr != nil {
		return clientErr
	}
	defer client.Close()
	return run(ctx, client)
}
