package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"agentmarket/observability/logging"
	telemetry "agentmarket/observability/otel"
	"agentmarket/services/ledgerd/audit"
	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/config"
	"agentmarket/services/ledgerd/escrow"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/retention"
	"agentmarket/services/ledgerd/server"
	"agentmarket/services/ledgerd/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("ledgerd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/ledgerd/config.yaml", "path to ledgerd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("AGENTMARKET_ENV"))
	}
	_, logCloser := logging.SetupWithOptions("ledgerd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Level:      logging.ParseLevel(cfg.Log.Level),
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "ledgerd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close(db) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := audit.NewStore(db)
	coord := ledger.NewCoordinator(db, ledger.WithRecorder(recorder))
	if cfg.CoinsFile != "" {
		specs, err := ledger.LoadCoinSeeds(cfg.CoinsFile)
		if err != nil {
			return err
		}
		if err := coord.Coins().Seed(ctx, specs); err != nil {
			return err
		}
		slog.Info("coins seeded", slog.String("component", "ledgerd"), slog.Int("count", len(specs)))
	}

	directory := escrow.NewDirectory(db)
	executor := escrow.NewExecutor(coord, directory, escrow.NewHTTPInvoker(nil),
		escrow.WithDefaultTimeout(cfg.Escrow.DefaultTimeout.Duration),
		escrow.WithMaxPayload(cfg.Escrow.MaxPayloadBytes),
		escrow.WithRecorder(recorder),
	)
	bridges := bridge.NewManager(coord, db, bridge.Options{
		ReservedCoin:        cfg.Bridge.ReservedCoin,
		ReservedCoinAllowed: cfg.Bridge.ReservedCoinAllowed,
	}, bridge.WithRecorder(recorder))

	go escrow.NewRecoverer(executor, cfg.Escrow.RecoveryInterval.Duration, cfg.Escrow.RecoveryAge.Duration).Run(ctx)

	if cfg.Retention.Enabled {
		archiver, err := retention.NewArchiver(db, cfg.Retention.ArchiveDir, cfg.Retention.BatchSize)
		if err != nil {
			return err
		}
		scheduler := retention.NewScheduler(retention.SchedulerConfig{
			Archiver:  archiver,
			Horizon:   cfg.Retention.Horizon.Duration,
			RunHour:   cfg.Retention.RunHour,
			RunMinute: cfg.Retention.RunMinute,
		})
		go scheduler.Start(ctx)
	}

	srv := server.New(server.Config{
		Coordinator: coord,
		Directory:   directory,
		Executor:    executor,
		Bridge:      bridges,
		Recorder:    recorder,
		Authenticator: server.NewAuthenticator(server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.Leeway.Duration,
		}),
		RateLimiter:  server.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		MaxBodyBytes: int64(cfg.Escrow.MaxPayloadBytes) + 4096,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "ledgerd"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Escrow.DefaultTimeout.Duration + 5*time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		slog.Info("ledgerd listening", slog.String("component", "ledgerd"), slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == storage.DriverSQLite && dsn == "" {
		fileDSN, err := storage.FileDSN(cfg.Path)
		if err != nil {
			return nil, err
		}
		dsn = fileDSN
	}
	db, err := storage.Open(cfg.Driver, dsn, storage.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
