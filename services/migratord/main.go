package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"himalaya/native/migration"
	"himalaya/observability/logging"
	telemetry "himalaya/observability/otel"
	"himalaya/services/migratord/config"
	"himalaya/services/migratord/recovery"
	"himalaya/services/migratord/server"
	"himalaya/services/migratord/storage"
)

var version = "dev"

func main() {
	os.Exit(serve(os.Args[1:]))
}

// serve returns the process exit code so deferred flushes run before exit.
func serve(args []string) int {
	fs := flag.NewFlagSet("migratord", flag.ContinueOnError)
	cfgPath := fs.String("config", "services/migratord/config.yaml", "path to migratord config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}

	logger, logCloser := logging.Setup("migratord", cfg.Environment,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays),
	)
	defer logCloser.Close()
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"bridge", cfg.Bridge.Kind,
		"chains", len(cfg.Chains),
		"markets", len(cfg.Markets),
		logging.MaskURL("database", cfg.Database),
		logging.MaskURL("relayer", cfg.Bridge.URL),
		logging.MaskField("bridge_secret", cfg.Bridge.Secret),
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv(telemetry.Config{
		ServiceName: "migratord",
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}))
	if err != nil {
		logger.Error("init telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("migratord stopped", "error", err)
		return 1
	}
	logger.Info("migratord stopped")
	return 0
}

func run(ctx context.Context, cfg config.Config) error {
	dsn, err := databaseDSN(cfg.Database)
	if err != nil {
		return err
	}
	db, err := storage.Open(dsn)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	registry := storage.NewRegistry(db)
	ledger := storage.NewLedger(db)

	deployment, err := buildDeployment(ctx, cfg, ledger)
	if err != nil {
		return err
	}
	defer deployment.close()

	opts := []migration.Option{
		migration.WithWorkers(cfg.Orchestrator.Workers),
		migration.WithQueueSize(cfg.Orchestrator.QueueSize),
		migration.WithRescanInterval(cfg.Orchestrator.RescanInterval.Duration),
		migration.WithSettlementDeadline(cfg.Orchestrator.SettlementDeadline.Duration),
	}
	for chain, custody := range deployment.custody {
		opts = append(opts, migration.WithCustody(chain, custody))
	}
	orch, err := migration.New(registry, ledger, deployment.bridge, deployment.router, opts...)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	if deployment.loopback != nil {
		deployment.loopback.SetHandler(orch)
	}

	sink := recovery.MultiSink{recovery.LogSink{}}
	if path := cfg.Recovery.OutboxPath; path != "" {
		outbox, err := recovery.OpenOutbox(path, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return err
		}
		defer outbox.Close()
		sink = append(sink, outbox)
	}
	watchdog, err := recovery.NewWatchdog(recovery.WatchdogConfig{
		Buffer:     ledger,
		Stalled:    orch,
		Sink:       sink,
		Interval:   cfg.Recovery.Interval.Duration,
		StallAfter: cfg.Recovery.StallAfter.Duration,
	})
	if err != nil {
		return fmt.Errorf("build watchdog: %w", err)
	}

	api := server.New(server.Config{
		Service:  orch,
		Buffer:   ledger,
		DB:       db,
		Verifier: deployment.verifier,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.Auth.RateLimit.RequestsPerSecond,
			Burst:             cfg.Auth.RateLimit.Burst,
		},
		IdempotencyTTL: cfg.Auth.IdempotencyTTL.Duration,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return watchdog.Start(gctx) })
	if deployment.loopback != nil {
		g.Go(func() error { return deployment.loopback.Run(gctx, cfg.Bridge.FlushInterval.Duration) })
	}
	g.Go(func() error {
		log.Printf("migratord listening on %s", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
