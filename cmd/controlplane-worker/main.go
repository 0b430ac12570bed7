package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/crypto"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/job"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/notification"
	"github.com/routeros-fleet/controlplane/internal/snapshot"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/store/model"
	"github.com/routeros-fleet/controlplane/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "controlplane-worker",
		Short:        "Executes queued jobs: snapshot sweeps and batch health checks",
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

// snapshotExecutor captures a config snapshot per device in the batch.
type snapshotExecutor struct {
	snapshots *snapshot.Service
}

func (e *snapshotExecutor) Execute(ctx context.Context, _ string, deviceIDs []string) (map[string]job.DeviceResult, error) {
	results := map[string]job.DeviceResult{}
	for _, id := range deviceIDs {
		snapID, err := e.snapshots.Capture(ctx, id, snapshot.KindConfig)
		if err != nil {
			results[id] = job.DeviceResult{Success: false, Message: err.Error()}
			continue
		}
		results[id] = job.DeviceResult{Success: true, Message: "captured " + snapID}
	}
	return results, nil
}

// healthExecutor runs a batch health check and reports per-device status.
type healthExecutor struct {
	health *health.Service
}

func (e *healthExecutor) Execute(ctx context.Context, _ string, deviceIDs []string) (map[string]job.DeviceResult, error) {
	checks, err := e.health.RunBatchHealthChecks(ctx, deviceIDs, 90, 90)
	if err != nil {
		return nil, err
	}
	results := map[string]job.DeviceResult{}
	for id, c := range checks {
		results[id] = job.DeviceResult{
			Success: c.Status == model.DeviceHealthy,
			Message: string(c.Status),
		}
	}
	return results, nil
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	logger := log.InitLogs(cfg.LogLevel)
	logger.Info("Starting worker")
	defer logger.Info("Worker stopped")

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer cancel()

	cipher, err := crypto.NewCipher(cfg.EncryptionKey, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing credential cipher: %w", err)
	}
	db, err := store.InitDB(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	st := store.NewStore(db)

	sem := concurrency.NewSemaphore(cfg.ConcurrencyLimit)
	broker := transport.NewBroker(st, cipher, cfg.RouterOSVerifySSL,
		cfg.RESTTimeout(), cfg.ShellTimeout(), log.WithPrefix(logger, "transport"))
	sink := audit.NewSink(st, log.WithPrefix(logger, "audit"))
	notifier := notification.NewNotifier(notification.NewBackend(cfg), st,
		cfg.NotificationRecipients, cfg.NotificationBaseURL, log.WithPrefix(logger, "notification"))

	snapSvc := snapshot.NewService(st, broker, snapshot.NewMetrics(prometheus.DefaultRegisterer), snapshot.Options{
		MaxSizeBytes:     cfg.SnapshotMaxSizeBytes,
		CompressionLevel: cfg.SnapshotCompressionLevel,
		UseShellFallback: cfg.SnapshotUseShellFallback,
	}, log.WithPrefix(logger, "snapshot"))
	healthSvc := health.NewService(st, broker, nil, sem, log.WithPrefix(logger, "health"))
	jobSvc := job.NewService(st, sink, notifier, log.WithPrefix(logger, "job"))

	executors := map[string]job.Executor{
		"snapshot_capture":   &snapshotExecutor{snapshots: snapSvc},
		"batch_health_check": &healthExecutor{health: healthSvc},
	}

	logger.Infof("Worker polling for due jobs (environment %s)", cfg.Environment)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		due, err := st.ListDueJobs(ctx, time.Now().UTC(), 10)
		if err != nil {
			logger.WithError(err).Error("listing due jobs")
			continue
		}
		for _, j := range due {
			exec, ok := executors[j.JobType]
			if !ok {
				continue
			}
			if _, err := jobSvc.ExecuteJob(ctx, j.ID, exec, cfg.ConcurrencyLimit, 0); err != nil {
				logger.WithError(err).Errorf("job %s failed", j.ID)
				if rerr := jobSvc.ScheduleRetry(ctx, j.ID, 60); rerr != nil {
					logger.Debugf("job %s not rescheduled: %v", j.ID, rerr)
				}
			}
		}
	}
}
