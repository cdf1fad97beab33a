package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/notesync/internal/logging"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncclient"
	"github.com/sethvargo/go-retry"
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
		Use:           "notesync",
		Short:         "Offline-first notes with pull/push sync",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newSyncCommand(),
		newNoteCommand(),
		newCollectionCommand(),
		newItemCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("state-path", defaults.GetString("client.state_path"), "Local store path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.state_path", "state-path")
	bindFlag(cmd, "log.level", "log-level")
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

// session bundles what one CLI invocation needs and releases it on close.
type session struct {
	cfg    config.ClientConfig
	store  *localstore.Store
	client *syncclient.Client
	logger *zap.Logger
}

func openSession() (*session, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewRotatingLogger(cfg.Log.Level, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return nil, err
	}

	store, err := localstore.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	transport, err := syncclient.NewHTTPTransport(syncclient.HTTPTransportConfig{
		BaseURL: cfg.ServerURL,
		Token:   cfg.Token,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client, err := syncclient.New(syncclient.Config{
		Store:              store,
		Transport:          transport,
		MaxConflictRetries: cfg.MaxConflictRetries,
		Logger:             logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &session{cfg: cfg, store: store, client: client, logger: logger}, nil
}

func (s *session) Close() {
	_ = s.logger.Sync()
	_ = s.store.Close()
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes, then push local ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := openSession()
			if err != nil {
				return err
			}
			defer current.Close()

			result, err := syncWithBackoff(cmd.Context(), current)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %d: pulled %d, removed %d, pushed %d\n",
				result.Checkpoint, result.Pulled, result.Removed, result.Pushed)
			return nil
		},
	}
}

// syncWithBackoff retries transport and server failures with exponential backoff. Client-side
// faults and exhausted conflict retries are returned at once.
func syncWithBackoff(ctx context.Context, current *session) (syncclient.CycleResult, error) {
	backoff := retry.NewExponential(current.cfg.TransportBaseDelay)
	backoff = retry.WithMaxRetries(uint64(current.cfg.TransportRetries), backoff)

	var result syncclient.CycleResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		result, err = current.client.Sync(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, syncclient.ErrUnauthorized),
			errors.Is(err, syncclient.ErrNotFound),
			errors.Is(err, syncclient.ErrRejected),
			errors.Is(err, protocol.ErrConflict),
			errors.Is(err, context.Canceled):
			return err
		default:
			current.logger.Warn("sync attempt failed, backing off", zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	return result, err
}
