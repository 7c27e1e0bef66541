// Package main wires together the research coordinator service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/deepscout/research-coordinator/internal/api"
	"github.com/deepscout/research-coordinator/internal/clock/system"
	"github.com/deepscout/research-coordinator/internal/config"
	"github.com/deepscout/research-coordinator/internal/coordinator"
	"github.com/deepscout/research-coordinator/internal/dispatcher"
	"github.com/deepscout/research-coordinator/internal/health"
	"github.com/deepscout/research-coordinator/internal/id/uuid"
	"github.com/deepscout/research-coordinator/internal/intervention"
	"github.com/deepscout/research-coordinator/internal/jobs"
	"github.com/deepscout/research-coordinator/internal/ledger"
	"github.com/deepscout/research-coordinator/internal/logging"
	"github.com/deepscout/research-coordinator/internal/notify"
	"github.com/deepscout/research-coordinator/internal/notify/sinks"
	queuememory "github.com/deepscout/research-coordinator/internal/queue/memory"
	"github.com/deepscout/research-coordinator/internal/runner/noop"
	"github.com/deepscout/research-coordinator/internal/storage/gcs"
	"github.com/deepscout/research-coordinator/internal/storage/local"
	"github.com/deepscout/research-coordinator/internal/storage/memory"
	"github.com/deepscout/research-coordinator/internal/storage/postgres"
)

type stores struct {
	claims        coordinator.ClaimStore
	health        coordinator.HealthStore
	jobs          coordinator.JobStore
	interventions coordinator.InterventionStore
	readiness     api.Pinger
	close         func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.close()

	clock := system.New()
	idGen := uuid.New()

	notifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	}
	coalescer := notify.NewCoalescer(notify.Config{Delay: cfg.CoalesceDelay()},
		st.interventions, notifier, clock, logger.Named("notify"))

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	weights := make(map[string]float64, len(cfg.Engines))
	quotas := make(map[string]int64, len(cfg.Engines))
	for name, engine := range cfg.Engines {
		weights[name] = engine.Weight
		quotas[name] = engine.DailyQuota
	}
	tracker := health.New(health.Config{
		Alpha:            cfg.Health.Alpha,
		FailureThreshold: cfg.Health.FailureThreshold,
		Cooldown:         cfg.Cooldown(),
		Weights:          weights,
		DailyQuotas:      quotas,
	}, st.health, clock, logger.Named("health"))
	if err := tracker.Load(ctx); err != nil {
		logger.Fatal("health state load failed", zap.Error(err))
	}
	for name := range cfg.Engines {
		if err := tracker.Ensure(ctx, coordinator.KindEngine, name); err != nil {
			logger.Fatal("engine registration failed", zap.String("engine", name), zap.Error(err))
		}
	}

	signalQueue := queuememory.NewQueue(cfg.Dispatcher.QueueDepth)
	jobService := jobs.New(st.jobs, signalQueue, clock, idGen, logger.Named("jobs"))
	ledgerService := ledger.New(st.claims, clock, logger.Named("ledger"))
	interventionService := intervention.New(intervention.Config{
		DefaultTTL:    cfg.InterventionTTL(),
		ArchivePrefix: cfg.Archive.Prefix,
	}, st.interventions, jobService, tracker, coalescer, archive, clock, idGen, logger.Named("intervention"))

	dispatch := dispatcher.New(dispatcher.Config{Concurrency: cfg.Dispatcher.Concurrency},
		signalQueue, jobService, interventionService, tracker, coalescer, noop.New(), clock,
		logger.Named("dispatcher"))

	apiServer := api.NewServer(api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, ledgerService, jobService, interventionService, tracker, st.readiness, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("concurrency", cfg.Dispatcher.Concurrency))
		dispatch.Run(ctx)
	}()

	go sweepLoop(ctx, cfg, interventionService, logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	signalQueue.Close()
	if err := coalescer.Close(shutdownCtx); err != nil {
		logger.Error("coalescer shutdown error", zap.Error(err))
	}
}

func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	switch cfg.DB.Provider {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Minute,
		})
		if err != nil {
			return stores{}, err
		}
		claims, err := postgres.NewClaimStoreWithPool(pool)
		if err != nil {
			return stores{}, err
		}
		healthStore, err := postgres.NewHealthStoreWithPool(pool)
		if err != nil {
			return stores{}, err
		}
		jobStore, err := postgres.NewJobStoreWithPool(pool)
		if err != nil {
			return stores{}, err
		}
		interventionStore, err := postgres.NewInterventionStoreWithPool(pool)
		if err != nil {
			return stores{}, err
		}
		return stores{
			claims:        claims,
			health:        healthStore,
			jobs:          jobStore,
			interventions: interventionStore,
			readiness:     pool,
			close:         pool.Close,
		}, nil
	case "memory":
		return stores{
			claims:        memory.NewClaimStore(),
			health:        memory.NewHealthStore(),
			jobs:          memory.NewJobStore(),
			interventions: memory.NewInterventionStore(),
			close:         func() {},
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown db.provider %q", cfg.DB.Provider)
	}
}

func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (coordinator.Notifier, error) {
	switch cfg.Notify.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		return sinks.NewPubSub(client.Topic(cfg.Notify.TopicName))
	case "log":
		return sinks.NewLog(logger.Named("notifier")), nil
	default:
		return nil, fmt.Errorf("unknown notify.provider %q", cfg.Notify.Provider)
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (coordinator.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
	case "local":
		return local.New(local.Config{BaseDir: cfg.Archive.BaseDir})
	case "noop":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive.provider %q", cfg.Archive.Provider)
	}
}

func sweepLoop(ctx context.Context, cfg config.Config, svc *intervention.Service, logger *zap.Logger) {
	interval := time.Duration(cfg.Intervention.SweepIntervalMins) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := svc.SweepExpired(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if count > 0 {
				logger.Info("expired interventions swept", zap.Int("count", count))
			}
		}
	}
}
