package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portalauth/internal/sessionkit"
	"go.uber.org/zap"
)

var errNotSignedIn = errors.New("session.not_signed_in: run portal login first")

var watchContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "login",
		Short:   "Sign in with email and password",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE:    runLogin,
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password (prefer PORTAL_PASSWORD)")
	_ = viper.BindPFlag("email", command.Flags().Lookup("email"))
	_ = viper.BindPFlag("password", command.Flags().Lookup("password"))
	return command
}

func runLogin(command *cobra.Command, arguments []string) error {
	email := strings.TrimSpace(viper.GetString("email"))
	password := viper.GetString("password")
	if email == "" || password == "" {
		return configError("config.missing_login_credentials", "email and password must be provided")
	}
	return withClient(command, func(ctx context.Context, client *portalClient) error {
		if loginErr := client.facade.Login(ctx, sessionkit.LoginRequest{Email: email, Password: password}); loginErr != nil {
			return fmt.Errorf("login failed: %s", sessionkit.UserMessage(loginErr))
		}
		printSession(command, client.facade.Snapshot())
		return nil
	})
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Short:   "Restore the saved session and print the signed-in user",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withClient(command, func(ctx context.Context, client *portalClient) error {
				printSession(command, client.facade.Bootstrap(ctx))
				return nil
			})
		},
	}
}

func newLogoutCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "logout",
		Short:   "Sign out of this device, or of every device with --all",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			logoutAll, _ := command.Flags().GetBool("all")
			return withClient(command, func(ctx context.Context, client *portalClient) error {
				client.facade.Bootstrap(ctx)
				if logoutAll {
					client.facade.LogoutAll(ctx)
				} else {
					client.facade.Logout(ctx)
				}
				fmt.Fprintln(command.OutOrStdout(), "signed out")
				return nil
			})
		},
	}
	command.Flags().Bool("all", false, "End every session of the account")
	return command
}

func newRequestCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "request METHOD PATH",
		Short:   "Call an authenticated backend endpoint and print the JSON response",
		Args:    cobra.ExactArgs(2),
		PreRunE: prepareClientConfig,
		RunE:    runRequest,
	}
	command.Flags().String("data", "", "JSON request body")
	return command
}

func runRequest(command *cobra.Command, arguments []string) error {
	method := strings.ToUpper(arguments[0])
	path := arguments[1]
	rawData, _ := command.Flags().GetString("data")
	var body any
	if strings.TrimSpace(rawData) != "" {
		if !json.Valid([]byte(rawData)) {
			return configError("config.invalid_request_data", "data must be valid JSON")
		}
		body = json.RawMessage(rawData)
	}
	return withClient(command, func(ctx context.Context, client *portalClient) error {
		if session := client.facade.Bootstrap(ctx); session.Status != sessionkit.StatusAuthenticated {
			return errNotSignedIn
		}
		var response json.RawMessage
		if callErr := client.facade.Executor().DoJSON(ctx, method, path, body, &response); callErr != nil {
			return callErr
		}
		if len(response) == 0 {
			return nil
		}
		var formatted bytes.Buffer
		if indentErr := json.Indent(&formatted, response, "", "  "); indentErr != nil {
			return fmt.Errorf("request.format_response: %w", indentErr)
		}
		fmt.Fprintln(command.OutOrStdout(), formatted.String())
		return nil
	})
}

func newWatchCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "watch",
		Short:   "Keep the session alive, refreshing ahead of expiry until interrupted",
		Args:    cobra.NoArgs,
		PreRunE: prepareClientConfig,
		RunE:    runWatch,
	}
	command.Flags().String("metrics_addr", "", "Serve Prometheus metrics on this address (empty disables)")
	_ = viper.BindPFlag("metrics_addr", command.Flags().Lookup("metrics_addr"))
	return command
}

func runWatch(command *cobra.Command, arguments []string) error {
	metricsAddr := viper.GetString("metrics_addr")
	return withClient(command, func(ctx context.Context, client *portalClient) error {
		stopContext, stop := watchContext(ctx)
		defer stop()

		ended := make(chan sessionkit.Session, 1)
		cancelSubscription := client.facade.Subscribe(func(session sessionkit.Session) {
			client.logger.Info("session state",
				zap.String("status", string(session.Status)),
				zap.String("error", session.Error))
			if session.Status == sessionkit.StatusUnauthenticated {
				select {
				case ended <- session:
				default:
				}
			}
		})
		defer cancelSubscription()
		cancelUnauthorized := client.facade.OnUnauthorized(func(cause error) {
			client.logger.Warn("session ended by the server",
				zap.String("code", "watch.unauthorized"),
				zap.Error(cause))
		})
		defer cancelUnauthorized()

		if metricsAddr != "" {
			metricsServer := &http.Server{
				Addr:              metricsAddr,
				Handler:           promhttp.HandlerFor(client.registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := serveHTTP(metricsServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
					client.logger.Error("metrics server error", zap.Error(err))
				}
			}()
			defer func() {
				shutdownContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownContext)
			}()
		}

		session := client.facade.Bootstrap(ctx)
		printSession(command, session)
		if session.Status != sessionkit.StatusAuthenticated {
			return errNotSignedIn
		}
		select {
		case <-stopContext.Done():
			fmt.Fprintln(command.OutOrStdout(), "stopped")
			return nil
		case endedSession := <-ended:
			printSession(command, endedSession)
			return nil
		}
	})
}

func printSession(command *cobra.Command, session sessionkit.Session) {
	output := command.OutOrStdout()
	if session.Status == sessionkit.StatusAuthenticated && session.Profile != nil {
		fmt.Fprintf(output, "signed in as %s (%s)\n", session.Profile.Email, session.Profile.ID)
		return
	}
	if session.Error != "" {
		fmt.Fprintf(output, "not signed in: %s\n", session.Error)
		return
	}
	fmt.Fprintln(output, "not signed in")
}
