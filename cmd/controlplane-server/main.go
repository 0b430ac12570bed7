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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/routeros-fleet/controlplane/internal/approval"
	"github.com/routeros-fleet/controlplane/internal/audit"
	"github.com/routeros-fleet/controlplane/internal/auth"
	"github.com/routeros-fleet/controlplane/internal/concurrency"
	"github.com/routeros-fleet/controlplane/internal/config"
	"github.com/routeros-fleet/controlplane/internal/crypto"
	"github.com/routeros-fleet/controlplane/internal/health"
	"github.com/routeros-fleet/controlplane/internal/job"
	"github.com/routeros-fleet/controlplane/internal/log"
	"github.com/routeros-fleet/controlplane/internal/mcptool"
	"github.com/routeros-fleet/controlplane/internal/notification"
	"github.com/routeros-fleet/controlplane/internal/plan"
	"github.com/routeros-fleet/controlplane/internal/rollout"
	"github.com/routeros-fleet/controlplane/internal/snapshot"
	"github.com/routeros-fleet/controlplane/internal/store"
	"github.com/routeros-fleet/controlplane/internal/transport"
)

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:          "controlplane-server",
		Short:        "RouterOS fleet control plane API server",
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
	logger.Info("Starting control plane server")
	defer logger.Info("Control plane server stopped")

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

	logger.Info("Initializing data store")
	db, err := store.InitDB(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("initializing data store: %w", err)
	}
	st := store.NewStore(db)
	if err := st.InitialMigration(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cleanupFuncs = append(cleanupFuncs, func() error {
		logger.Info("Closing redis client")
		return redisClient.Close()
	})

	sem := concurrency.NewSemaphore(cfg.ConcurrencyLimit)
	registry := prometheus.NewRegistry()

	sink := audit.NewSink(st, log.WithPrefix(logger, "audit"))
	broker := transport.NewBroker(st, cipher, cfg.RouterOSVerifySSL,
		cfg.RESTTimeout(), cfg.ShellTimeout(), log.WithPrefix(logger, "transport"))
	broadcaster := health.NewRedisBroadcaster(redisClient, log.WithPrefix(logger, "health-broadcast"))
	healthSvc := health.NewService(st, broker, broadcaster, sem, log.WithPrefix(logger, "health"))
	snapSvc := snapshot.NewService(st, broker, snapshot.NewMetrics(registry), snapshot.Options{
		MaxSizeBytes:     cfg.SnapshotMaxSizeBytes,
		CompressionLevel: cfg.SnapshotCompressionLevel,
		UseShellFallback: cfg.SnapshotUseShellFallback,
	}, log.WithPrefix(logger, "snapshot"))

	notifier := notification.NewNotifier(notification.NewBackend(cfg), st,
		cfg.NotificationRecipients, cfg.NotificationBaseURL, log.WithPrefix(logger, "notification"))
	signer := plan.NewTokenSigner([]byte(cfg.EncryptionKey))
	planSvc := plan.NewService(st, sink, signer, log.WithPrefix(logger, "plan"))
	jobSvc := job.NewService(st, sink, notifier, log.WithPrefix(logger, "job"))
	executor := rollout.NewExecutor(planSvc, jobSvc, healthSvc, sem, log.WithPrefix(logger, "rollout"))
	approvalSvc := approval.NewService(st, sink, notifier, log.WithPrefix(logger, "approval"))
	gate := auth.NewGate(auth.DefaultRoleTable(), cfg.Environment, cfg.AllowProdWrites, sink)

	tools := mcptool.NewRegistry()
	registerCoreTools(tools, &coreServices{
		store:    st,
		gate:     gate,
		plans:    planSvc,
		jobs:     jobSvc,
		rollout:  executor,
		health:   healthSvc,
		snapshot: snapSvc,
		approval: approvalSvc,
		broker:   broker,
		audit:    sink,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(5 * time.Minute))
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Mount("/", mcptool.NewRouter(tools, auth.NewIdentityExtractor(), log.WithPrefix(logger, "mcptool")))

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Listening on %s (environment %s)", cfg.HTTPAddress, cfg.Environment)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
