package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/MarkoPoloResearchLab/hotelcore/internal/config"
	"github.com/MarkoPoloResearchLab/hotelcore/internal/health"
	"github.com/MarkoPoloResearchLab/hotelcore/internal/httpapi"
	"github.com/MarkoPoloResearchLab/hotelcore/internal/oplog"
	"github.com/MarkoPoloResearchLab/hotelcore/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/amendment"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/channelsync"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/dispatch"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/workflow"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const recoverBatchSize = 1000

var otaChannels = []booking.Source{booking.SourceBookingCom, booking.SourceExpedia, booking.SourceAirbnb}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, target, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := gormstore.Migrate(ctx, gormDB); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}
	logger.Info("database ready", zap.String("driver", target.Driver), zap.String("path", target.Path))

	store := gormstore.New(gormDB)
	clk := clock.NewSystem()
	ledger, err := inventory.NewLedger(store, clk, inventory.WithLogger(logger.Named("inventory")))
	if err != nil {
		return fmt.Errorf("inventory ledger init: %w", err)
	}
	service, err := booking.NewService(store, clk,
		booking.WithPolicy(cfg.Policy()),
		booking.WithInventory(ledger),
		booking.WithDispatcher(dispatch.NewLogDispatcher(logger)),
		booking.WithOperationLogger(oplog.New(logger)),
	)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}
	processor, err := amendment.NewProcessor(service, amendment.WithLogger(logger.Named("amendment")))
	if err != nil {
		return fmt.Errorf("amendment processor init: %w", err)
	}

	queue, redisClient, err := openSyncQueue(cfg)
	if err != nil {
		return fmt.Errorf("sync queue init: %w", err)
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	engine, err := workflow.NewEngine(service, clk,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithBatchSize(cfg.WorkflowBatchSize),
		workflow.WithSyncQueue(queue),
	)
	if err != nil {
		return fmt.Errorf("workflow engine init: %w", err)
	}
	worker, err := channelsync.NewWorker(service, queue, clk, workerOptions(cfg, logger.Named("channelsync"))...)
	if err != nil {
		return fmt.Errorf("channel sync worker init: %w", err)
	}
	if _, err := worker.Recover(ctx, recoverBatchSize); err != nil {
		logger.Warn("channel sync recovery failed", zap.Error(err))
	}

	handler, err := httpapi.NewHandler(service, processor, ledger, logger.Named("http"))
	if err != nil {
		return fmt.Errorf("http handler init: %w", err)
	}

	healthServer := health.New(health.WithLogger(logger.Named("health")), health.WithClock(clk))
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	healthServer.Register("database", sqlDB.PingContext)
	if redisClient != nil {
		healthServer.Register("sync_queue", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	engine.Start(ctx)
	defer engine.Stop()
	worker.Start(ctx)
	defer worker.Stop()

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpapi.Run(serveCtx, httpapi.Config{
			ListenAddr:      cfg.HTTPListenAddr,
			AllowedOrigins:  cfg.AllowedOrigins,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, handler)
	}()
	go func() {
		errCh <- healthServer.ListenAndServe(serveCtx, cfg.GRPCListenAddr)
	}()

	var serveErr error
	for remaining := 2; remaining > 0; remaining-- {
		err := <-errCh
		if err != nil && serveErr == nil {
			serveErr = err
			logger.Error("server stopped", zap.Error(err))
		}
		// One listener ending stops the other.
		cancelServe()
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}

func openSyncQueue(cfg *config.Config) (channelsync.Queue, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return channelsync.NewMemoryQueue(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	queue, err := channelsync.NewRedisQueue(client, cfg.SyncQueuePrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return queue, client, nil
}

func workerOptions(cfg *config.Config, logger *zap.Logger) []channelsync.WorkerOption {
	options := []channelsync.WorkerOption{
		channelsync.WithWorkerLogger(logger),
		channelsync.WithRetryPolicy(cfg.SyncMaxAttempts, cfg.SyncBaseBackoff),
		channelsync.WithPushTimeout(cfg.SyncPushTimeout),
	}
	client := &http.Client{Timeout: cfg.SyncPushTimeout}
	for _, source := range otaChannels {
		channel := string(source)
		if endpoint, ok := cfg.ChannelWebhooks[channel]; ok {
			options = append(options, channelsync.WithAdapter(channel, channelsync.NewWebhookAdapter(endpoint, client)))
			continue
		}
		options = append(options, channelsync.WithAdapter(channel, channelsync.NewLogAdapter(logger)))
	}
	for channel, endpoint := range cfg.ChannelWebhooks {
		if !slices.Contains(otaChannels, booking.Source(channel)) {
			options = append(options, channelsync.WithAdapter(channel, channelsync.NewWebhookAdapter(endpoint, client)))
		}
	}
	return options
}
