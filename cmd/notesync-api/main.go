package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/auth"
	"github.com/MarcoPoloResearchLab/notesync/internal/canonical"
	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/database"
	"github.com/MarcoPoloResearchLab/notesync/internal/logging"
	"github.com/MarcoPoloResearchLab/notesync/internal/server"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncserver"
	"github.com/MarcoPoloResearchLab/notesync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	config.LoadDotEnv()

	rootCmd := &cobra.Command{
		Use:   "notesync-api",
		Short: "Notesync pull/push sync service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated CORS origins (empty reflects any origin)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotated log file")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <owner-id>",
		Short: "Print a bearer token for a sync client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewRotatingLogger(appConfig.Log.Level, logging.FileOptions{
		Path:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	authConfig := auth.AuthenticatorConfig{}
	if appConfig.SigningSecret != "" {
		tokenIssuer, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}
		authConfig.Tokens = tokenIssuer
	}
	if appConfig.TAuthSigningKey != "" {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.TAuthSigningKey),
			Issuer:        appConfig.TAuthIssuer,
			CookieName:    appConfig.TAuthCookieName,
		})
		if err != nil {
			return err
		}
		userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
		if err != nil {
			return err
		}
		authConfig.Sessions = sessionValidator
		authConfig.Resolver = userService
	}
	authenticator, err := auth.NewAuthenticator(authConfig)
	if err != nil {
		return err
	}

	store, err := canonical.NewGormStore(db)
	if err != nil {
		return err
	}
	latest, err := store.LatestModification(ctx)
	if err != nil {
		return err
	}
	stamper := canonical.NewStamper(time.Now)
	stamper.Observe(latest)

	syncService, err := syncserver.NewService(syncserver.ServiceConfig{
		Store:   store,
		Stamper: stamper,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  authenticator,
		SyncService:    syncService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int64("last_modified_floor", latest))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
