package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/crypto"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/snapshot"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "controlplane-periodic",
		Short:        "Periodic snapshot capture, pruning and adaptive health polling",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to config file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	logger := log.InitLogs(cfg.LogLevel)
	logger.Info("Starting periodic service")
	defer logger.Info("Periodic service stopped")

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	var cleanupFuncs []func() error
	defer func() {
		cancel()
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			if err := cleanupFuncs[i](); err != nil {
				logger.WithError(err).Error("Cleanup error")
			}
		}
	}()

	cipher, err := crypto.NewCipher(cfg.EncryptionKey, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing credential cipher: %w", err)
	}

	db, err := store.InitDB(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	st := store.NewStore(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cleanupFuncs = append(cleanupFuncs, func() error { return redisClient.Close() })

	sem := concurrency.NewSemaphore(cfg.ConcurrencyLimit)
	broker := transport.NewBroker(st, cipher, cfg.RouterOSVerifySSL,
		cfg.RESTTimeout(), cfg.ShellTimeout(), log.WithPrefix(logger, "transport"))

	env := model.Environment(cfg.Environment)

	snapSvc := snapshot.NewService(st, broker, snapshot.NewMetrics(prometheus.DefaultRegisterer), snapshot.Options{
		MaxSizeBytes:     cfg.SnapshotMaxSizeBytes,
		CompressionLevel: cfg.SnapshotCompressionLevel,
		UseShellFallback: cfg.SnapshotUseShellFallback,
	}, log.WithPrefix(logger, "snapshot"))

	runner := cron.New()
	if cfg.SnapshotCaptureEnabled {
		capturer := snapshot.NewPeriodicCapturer(snapSvc, st, env, sem, log.WithPrefix(logger, "snapshot-capturer"))
		capturer.Attach(runner, time.Duration(cfg.SnapshotCaptureIntervalSeconds)*time.Second)

		pruner := snapshot.NewPeriodicPruner(snapSvc, st, env, cfg.SnapshotRetentionCount, log.WithPrefix(logger, "snapshot-pruner"))
		pruner.Attach(runner, 24*time.Hour)
	}
	runner.Start()
	cleanupFuncs = append(cleanupFuncs, func() error {
		<-runner.Stop().Done()
		return nil
	})

	broadcaster := health.NewRedisBroadcaster(redisClient, log.WithPrefix(logger, "health-broadcast"))
	healthSvc := health.NewService(st, broker, broadcaster, sem, log.WithPrefix(logger, "health"))
	poller := health.NewPoller(healthSvc, st, env, log.WithPrefix(logger, "health-poller"))
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("starting health poller: %w", err)
	}
	cleanupFuncs = append(cleanupFuncs, func() error {
		poller.Stop()
		return nil
	})

	logger.Infof("Periodic service running (environment %s)", cfg.Environment)
	<-ctx.Done()
	return nil
}
