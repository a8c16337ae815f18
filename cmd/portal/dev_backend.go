package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portalauth/internal/devbackend"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

const (
	refreshCookieName = "portal_refresh"
	devBackendIssuer  = "portal-api"

	configCodeMissingJWTSigningKey     = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL         = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeMissingSeedUser          = "config.missing_seed_user"
	configCodeInvalidCORSOrigin        = "config.invalid_cors_origin"
	configCodeUninitializedBackendConf = "config.uninitialized_backend_config"
)

const backendSettingsContextKey contextKey = "backendSettings"

// DevBackendSettings is the resolved configuration of the dev-backend command.
type DevBackendSettings struct {
	Server             devbackend.ServerConfig
	ListenAddr         string
	DatabaseURL        string
	CORSAllowedOrigins []string
	SeedEmail          string
	SeedPassword       string
	SeedName           string
}

func newDevBackendCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "dev-backend",
		Short:   "Run a local portal auth API for development and testing",
		Args:    cobra.NoArgs,
		PreRunE: prepareBackendConfig,
		RunE:    runDevBackend,
	}

	command.Flags().String("listen_addr", ":8080", "HTTP listen address")
	command.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	command.Flags().Duration("access_ttl", 15*time.Minute, "Access token TTL")
	command.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	command.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	command.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins for browser clients (empty disables CORS)")
	command.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	command.Flags().String("database_url", "", "Database URL for refresh tokens (postgres:// or sqlite://; leave empty for in-memory store)")
	command.Flags().String("seed_email", "", "Email of the account created at startup")
	command.Flags().String("seed_password", "", "Password of the account created at startup")
	command.Flags().String("seed_name", "Portal Developer", "Display name of the account created at startup")

	_ = viper.BindPFlag("listen_addr", command.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", command.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("access_ttl", command.Flags().Lookup("access_ttl"))
	_ = viper.BindPFlag("refresh_ttl", command.Flags().Lookup("refresh_ttl"))
	_ = viper.BindPFlag("dev_insecure_http", command.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("cors_allowed_origins", command.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("cookie_domain", command.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("database_url", command.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("seed_email", command.Flags().Lookup("seed_email"))
	_ = viper.BindPFlag("seed_password", command.Flags().Lookup("seed_password"))
	_ = viper.BindPFlag("seed_name", command.Flags().Lookup("seed_name"))

	return command
}

// LoadDevBackendConfig reads dev-backend settings from flags and PORTAL_* environment variables.
func LoadDevBackendConfig() (DevBackendSettings, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return DevBackendSettings{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return DevBackendSettings{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return DevBackendSettings{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	seedEmail := strings.TrimSpace(viper.GetString("seed_email"))
	seedPassword := viper.GetString("seed_password")
	if seedEmail == "" || seedPassword == "" {
		return DevBackendSettings{}, configError(configCodeMissingSeedUser, "seed_email and seed_password must be provided")
	}

	allowInsecureHTTP := viper.GetBool("dev_insecure_http")
	corsAllowedOrigins, originsErr := devbackend.ParseAllowedOrigins(viper.GetStringSlice("cors_allowed_origins"), allowInsecureHTTP)
	if originsErr != nil {
		return DevBackendSettings{}, configError(configCodeInvalidCORSOrigin, "cors_allowed_origins: "+originsErr.Error())
	}
	// Browser clients on another origin only send the refresh cookie when it is SameSite=None.
	sameSite := http.SameSiteStrictMode
	if len(corsAllowedOrigins) > 0 {
		sameSite = http.SameSiteNoneMode
	}

	return DevBackendSettings{
		Server: devbackend.ServerConfig{
			AppJWTSigningKey:  []byte(jwtSigningKey),
			AppJWTIssuer:      devBackendIssuer,
			CookieDomain:      viper.GetString("cookie_domain"),
			RefreshCookieName: refreshCookieName,
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			SameSiteMode:      sameSite,
			AllowInsecureHTTP: allowInsecureHTTP,
		},
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		CORSAllowedOrigins: corsAllowedOrigins,
		SeedEmail:          seedEmail,
		SeedPassword:       seedPassword,
		SeedName:           viper.GetString("seed_name"),
	}, nil
}

func prepareBackendConfig(command *cobra.Command, arguments []string) error {
	settings, loadErr := LoadDevBackendConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, backendSettingsContextKey, settings))
	return nil
}

func runDevBackend(command *cobra.Command, arguments []string) error {
	logger, loggerErr := newLogger(viper.GetBool("debug"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(backendSettingsContextKey)
	}
	settings, ok := contextValue.(DevBackendSettings)
	if !ok {
		return configError(configCodeUninitializedBackendConf, "backend configuration not prepared; PreRunE must execute before RunE")
	}

	clock := tokencodec.SystemClock()
	users := devbackend.NewInMemoryUsers(clock, 0)
	if _, registerErr := users.Register(commandContext, settings.SeedEmail, settings.SeedPassword, settings.SeedName, "customer"); registerErr != nil {
		return fmt.Errorf("seed user: %w", registerErr)
	}

	var refreshTokens devbackend.RefreshTokenStore
	if settings.DatabaseURL == "" {
		refreshTokens = devbackend.NewMemoryRefreshTokenStore(clock)
	} else {
		databaseStore, storeErr := devbackend.NewDatabaseRefreshTokenStore(commandContext, settings.DatabaseURL, clock)
		if storeErr != nil {
			return storeErr
		}
		defer databaseStore.Close()
		refreshTokens = databaseStore
	}

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := devbackend.NewRouter(devbackend.RouterOptions{
		Config: settings.Server,
		Dependencies: devbackend.RouteDependencies{
			Users:         users,
			RefreshTokens: refreshTokens,
			Clock:         clock,
			Logger:        logger,
		},
		CORSOrigins: settings.CORSAllowedOrigins,
		Middleware:  []gin.HandlerFunc{zapLoggerMiddleware(logger)},
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", settings.ListenAddr), zap.String("seed_email", settings.SeedEmail))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
