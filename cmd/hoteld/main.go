package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/hotelcore/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "HOTELD"

	flagDatabaseURL     = "database-url"
	flagHTTPListenAddr  = "http-listen-addr"
	flagGRPCListenAddr  = "grpc-listen-addr"
	flagRedisAddr       = "redis-addr"
	flagSyncQueuePrefix = "sync-queue-prefix"
	flagAllowedOrigins  = "allowed-origins"
	flagHoldTTL         = "hold-ttl"
	flagCancelWindow    = "cancellation-window"
	flagNoShowGrace     = "no-show-grace"
	flagNoShowPenalty   = "no-show-penalty"
	flagHistoryCap      = "history-cap"
	flagBatchSize       = "workflow-batch-size"
	flagPushTimeout     = "sync-push-timeout"
	flagSyncBackoff     = "sync-base-backoff"
	flagSyncAttempts    = "sync-max-attempts"
	flagChannelWebhooks = "channel-webhooks"
	flagShutdownTimeout = "shutdown-timeout"
	flagEnvFile         = "env-file"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hoteld: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "hoteld",
		Short:         "Hotel reservation core: booking workflow, inventory and channel sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagDatabaseURL, "", "PostgreSQL URL, sqlite:// URL or sqlite file path")
	flags.String(flagHTTPListenAddr, "", "HTTP API listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC health listen address")
	flags.String(flagRedisAddr, "", "Redis address for the channel sync queue; empty keeps the queue in memory")
	flags.String(flagSyncQueuePrefix, "", "Redis key prefix of the channel sync queue")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Duration(flagHoldTTL, 0, "how long a pending reservation holds its rooms")
	flags.Duration(flagCancelWindow, 0, "guest and OTA cancellations are refused this close to check-in")
	flags.Duration(flagNoShowGrace, 0, "time after check-in before a reservation may become a no-show")
	flags.Bool(flagNoShowPenalty, false, "charge the first night on no-show")
	flags.Int(flagHistoryCap, 0, "status history entries kept on a reservation")
	flags.Int(flagBatchSize, 0, "reservations handled per scheduled workflow tick")
	flags.Duration(flagPushTimeout, 0, "timeout of one channel push")
	flags.Duration(flagSyncBackoff, 0, "first retry delay of a failed channel push")
	flags.Int(flagSyncAttempts, 0, "attempts before a channel push is abandoned")
	flags.String(flagChannelWebhooks, "", "comma-separated channel=url push endpoints")
	flags.Duration(flagShutdownTimeout, 0, "grace period for in-flight requests on shutdown")
	flags.String(flagEnvFile, ".env", "optional dotenv file loaded before reading the environment")

	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	// DATABASE_URL is the conventional name set by hosting platforms.
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	webhooks, err := config.ParseChannelWebhooks(settings.GetString(flagChannelWebhooks))
	if err != nil {
		return err
	}
	*cfg = config.Config{
		DatabaseURL:        settings.GetString(flagDatabaseURL),
		HTTPListenAddr:     settings.GetString(flagHTTPListenAddr),
		GRPCListenAddr:     settings.GetString(flagGRPCListenAddr),
		RedisAddr:          settings.GetString(flagRedisAddr),
		SyncQueuePrefix:    settings.GetString(flagSyncQueuePrefix),
		AllowedOrigins:     config.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		HoldTTL:            settings.GetDuration(flagHoldTTL),
		CancellationWindow: settings.GetDuration(flagCancelWindow),
		NoShowGrace:        settings.GetDuration(flagNoShowGrace),
		NoShowPenalty:      settings.GetBool(flagNoShowPenalty),
		HistoryCap:         settings.GetInt(flagHistoryCap),
		WorkflowBatchSize:  settings.GetInt(flagBatchSize),
		SyncPushTimeout:    settings.GetDuration(flagPushTimeout),
		SyncBaseBackoff:    settings.GetDuration(flagSyncBackoff),
		SyncMaxAttempts:    settings.GetInt(flagSyncAttempts),
		ChannelWebhooks:    webhooks,
		ShutdownTimeout:    settings.GetDuration(flagShutdownTimeout),
	}
	return cfg.Validate()
}
