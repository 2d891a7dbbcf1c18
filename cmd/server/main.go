package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"chronicle/internal/audit"
	"chronicle/internal/audit/chain"
	"chronicle/internal/audit/export"
	auditmem "chronicle/internal/audit/store/memory"
	auditpg "chronicle/internal/audit/store/postgres"
	"chronicle/internal/audit/verify"
	"chronicle/internal/event"
	"chronicle/internal/event/bus"
	"chronicle/internal/event/dlq"
	eventmem "chronicle/internal/event/store/memory"
	eventpg "chronicle/internal/event/store/postgres"
	"chronicle/internal/platform/config"
	"chronicle/internal/platform/httpserver"
	"chronicle/internal/platform/kafka"
	"chronicle/internal/platform/logger"
	"chronicle/internal/platform/metrics"
	"chronicle/internal/platform/postgres"
	"chronicle/internal/platform/redis"
	httptransport "chronicle/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business
// logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Server.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checks := map[string]httptransport.HealthCheck{}

	// Durable stores. Without a DSN everything runs in memory, which is
	// the local development mode; nothing survives a restart.
	var (
		eventLog   event.Log
		cursors    bus.CursorStore
		dlqStore   dlq.Store
		auditStore audit.Store
		busOpts    []bus.Option
	)
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		eventLog = eventpg.New(db)
		cursors = eventpg.NewCursorStore(db)
		dlqStore = dlq.NewPostgresStore(db)
		auditStore = auditpg.New(db)
		busOpts = append(busOpts, bus.WithDB(db))
		checks["postgres"] = func(ctx context.Context) error { return db.PingContext(ctx) }
		log.Info("using postgres stores")
	} else {
		eventLog = eventmem.NewStore()
		cursors = eventmem.NewCursorStore()
		dlqStore = dlq.NewMemoryStore()
		auditStore = auditmem.NewStore()
		log.Warn("no postgres DSN configured, using in-memory stores")
	}

	writer := chain.NewWriter(auditStore, chain.WithLogger(log))
	busOpts = append(busOpts, bus.WithLedger(writer), bus.WithMetrics(m))

	policy, err := bus.ParseOverflowPolicy(cfg.Delivery.OverflowPolicy)
	if err != nil {
		return err
	}
	b := bus.New(eventLog, dlqStore, cursors, bus.Config{
		FailureThreshold:         cfg.Delivery.FailureThreshold,
		OpenTimeout:              cfg.Delivery.OpenTimeout,
		HalfOpenSuccessThreshold: cfg.Delivery.HalfOpenSuccessThreshold,
		QueueCapacity:            cfg.Delivery.QueueCapacity,
		OverflowPolicy:           policy,
		MaxRetryAttempts:         cfg.Delivery.MaxRetryAttempts,
		RetryBackoffBase:         cfg.Delivery.RetryBackoffBase,
		DeliveryTimeout:          cfg.Delivery.DeliveryTimeout,
		DrainTimeout:             cfg.Delivery.DrainTimeout,
	}, log, busOpts...)

	// Built-in subscriber: a structured activity feed of everything
	// published. Domain projections register the same way.
	if _, err := b.Subscribe("activity-log", func(ctx context.Context, e event.Event) error {
		log.InfoContext(ctx, "event delivered",
			"event_id", e.ID,
			"aggregate_id", e.AggregateID,
			"sequence", e.Sequence,
			"event_type", e.Type,
		)
		return nil
	}, event.Filter{}); err != nil {
		return err
	}

	if err := b.Start(ctx); err != nil {
		return err
	}

	// Export checkpoints live in Redis when configured so a restarted
	// exporter resumes where the sink last acknowledged.
	var checkpoints export.CheckpointStore = export.NewMemoryCheckpointStore()
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		checkpoints = export.NewRedisCheckpointStore(redisClient.Client)
		checks["redis"] = redisClient.Health
		log.Info("using redis export checkpoints")
	}

	group, runCtx := errgroup.WithContext(ctx)

	var exporter *export.Exporter
	if len(cfg.Export.Brokers) > 0 {
		sink, err := kafka.NewSink(cfg.Export.Brokers, cfg.Export.Topic)
		if err != nil {
			return err
		}
		defer sink.Close()
		exporter = export.New(cfg.Export.Name, auditStore, sink, checkpoints, cfg.Export.BatchSize, log)
		exporter.Observe(func(records int) {
			m.ExportBatches.Inc()
			m.ExportedRecords.Add(float64(records))
		})
		group.Go(func() error {
			err := exporter.Run(runCtx, cfg.Export.Interval, cfg.Export.Tags)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.Info("compliance export enabled",
			"topic", cfg.Export.Topic,
			"interval", cfg.Export.Interval.String(),
		)
	} else {
		log.Warn("no kafka brokers configured, compliance export disabled")
	}

	scheduler := verify.NewScheduler(verify.New(auditStore), cfg.Verify.Interval, cfg.Verify.Window, log)
	scheduler.OnReport(func(r verify.Report) {
		if r.Valid {
			m.IntegrityValid.Set(1)
		} else {
			m.IntegrityValid.Set(0)
		}
	})
	group.Go(func() error {
		err := scheduler.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	var exportSvc httptransport.ExportService
	if exporter != nil {
		exportSvc = exporter
	}
	router := httptransport.NewRouter(
		httptransport.NewEventHandler(b, log),
		httptransport.NewAuditHandler(auditStore, verify.New(auditStore), exportSvc, log),
		scheduler,
		checks,
		log,
	)

	srv := httpserver.New(cfg.Server.Addr, router)
	group.Go(func() error {
		log.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-runCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
		return b.Stop(shutdownCtx)
	})

	return group.Wait()
}
