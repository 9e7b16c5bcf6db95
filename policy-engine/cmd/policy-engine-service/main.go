package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/reelhouse/catalog/policy-engine/internal/audit"
	"github.com/reelhouse/catalog/policy-engine/internal/auth"
	"github.com/reelhouse/catalog/policy-engine/internal/catalog"
	"github.com/reelhouse/catalog/policy-engine/internal/config"
	"github.com/reelhouse/catalog/policy-engine/internal/diff"
	"github.com/reelhouse/catalog/policy-engine/internal/httpserver"
	"github.com/reelhouse/catalog/policy-engine/internal/lease"
	"github.com/reelhouse/catalog/policy-engine/internal/logging"
	"github.com/reelhouse/catalog/policy-engine/internal/promotion"
	"github.com/reelhouse/catalog/policy-engine/internal/runs"
	"github.com/reelhouse/catalog/policy-engine/internal/service"
	"github.com/reelhouse/catalog/policy-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.Logger()
		bootLogger.Fatal().Err(err).Msg("config load")
	}
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("db ping")
	}

	st := store.NewPGStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ensure schema")
	}

	verifier, err := auth.NewVerifier(auth.Config{
		KeysFile:        cfg.Auth.KeysFile,
		Issuer:          cfg.Auth.Issuer,
		AllowDebugToken: cfg.Auth.AllowDebugToken,
		DebugToken:      cfg.Auth.DebugToken,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("auth init")
	}
	if cfg.Auth.AllowDebugToken {
		logger.Warn().Msg("debug bearer token is enabled; do not use in production")
	}

	var locker lease.Locker = lease.NewLocalLocker()
	sharedLeases := cfg.Redis.Addr != ""
	if sharedLeases {
		rdb, err := lease.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis init")
		}
		defer rdb.Close()
		locker = lease.NewRedisLocker(rdb)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("run leases shared through redis")
	} else {
		logger.Warn().Msg("no redis configured; run ownership is local to this process")
	}

	var publisher audit.Publisher = audit.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := audit.NewKafkaPublisher(audit.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka init")
		}
		defer kp.Close()
		publisher = kp
	}

	var archiver audit.Archiver = audit.NopArchiver{}
	if cfg.Archive.Bucket != "" {
		arc, err := audit.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("archive init")
		}
		archiver = arc
	}

	src := catalog.NewBreakerSource(catalog.NewPGSource(db), catalog.BreakerConfig{
		Name:                "catalog",
		ConsecutiveFailures: cfg.Catalog.BreakerFailures,
		Timeout:             cfg.Catalog.BreakerTimeout,
		Logger:              logging.Component("catalog"),
	})

	orch := runs.New(st, src,
		runs.Config{
			DefaultBatchSize:   cfg.Runs.BatchSize,
			DefaultConcurrency: cfg.Runs.Concurrency,
			LeaseTTL:           cfg.Runs.LeaseTTL,
		},
		runs.WithLocker(locker),
		runs.WithPublisher(publisher),
		runs.WithArchiver(archiver),
		runs.WithLogger(logging.Component("runs")),
	)
	recoverOrphans(ctx, logger, orch, sharedLeases)

	gate := promotion.NewGate(st,
		promotion.Thresholds{
			CoverageThreshold: cfg.Promotion.CoverageThreshold,
			MaxErrors:         cfg.Promotion.MaxErrors,
		},
		promotion.WithPublisher(publisher),
		promotion.WithLogger(logging.Component("promotion")),
	)
	svc := service.New(st, orch, diff.NewEngine(st, src, cfg.Diff.SampleSize, cfg.Diff.MaxSampleSize), gate)
	server := httpserver.New(svc, verifier, logging.Component("http"))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("policy engine listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(logger, cancel, httpServer, orch)
}

type orphanRecoverer interface {
	RecoverOrphans(ctx context.Context) (int, error)
}

// recoverOrphans fails runs left behind by dead processes. A local locker
// cannot see leases held by other replicas, so recovery needs shared leases.
func recoverOrphans(ctx context.Context, logger zerolog.Logger, r orphanRecoverer, sharedLeases bool) {
	if !sharedLeases {
		logger.Warn().Msg("skipping orphaned run recovery without shared leases; cancel stuck runs explicitly")
		return
	}
	if n, err := r.RecoverOrphans(ctx); err != nil {
		logger.Error().Err(err).Msg("recover orphaned runs")
	} else if n > 0 {
		logger.Warn().Int("runs", n).Msg("failed orphaned runs")
	}
}

func waitForShutdown(logger zerolog.Logger, cancel context.CancelFunc, srv *http.Server, orch *runs.Orchestrator) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	// in-flight runs are marked failed so another replica can start over
	if err := orch.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("orchestrator shutdown")
	}
}
