package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ezdrm/mintpool/internal/alert"
	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/chain/ratelimit"
	"github.com/ezdrm/mintpool/internal/chain/rpc"
	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/engine"
	"github.com/ezdrm/mintpool/internal/funding"
	"github.com/ezdrm/mintpool/internal/metadata"
	"github.com/ezdrm/mintpool/internal/monitor"
	"github.com/ezdrm/mintpool/internal/registry"
	"github.com/ezdrm/mintpool/internal/store/postgres"
	redispkg "github.com/ezdrm/mintpool/internal/store/redis"
	"github.com/ezdrm/mintpool/internal/tracing"
	"github.com/ezdrm/mintpool/internal/txn"
)

const migrationsDir = "migrations"

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAlerter wires the configured alert channels behind a cooldown. With no
// channels configured alerts become no-ops.
func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func buildSigner(cfg config.SignerConfig) txn.Signer {
	if cfg.Mode == "remote" {
		return txn.NewRemoteSigner(cfg)
	}
	return txn.NewLocalSigner()
}

// buildLease returns the redis worker lease when redis is configured, or a
// no-op lease that leaves exclusion to the database checkout alone.
func buildLease(cfg config.RedisConfig, ttl time.Duration) (redispkg.LeaseManager, func() error, error) {
	if cfg.URL == "" {
		return redispkg.NoopLease{}, func() error { return nil }, nil
	}
	lease, err := redispkg.NewLease(cfg.URL, ttl)
	if err != nil {
		return nil, nil, err
	}
	return lease, lease.Close, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting mintpool",
		"rpc", cfg.Chain.RPCURL,
		"chain_id", cfg.Chain.ChainID,
		"contract", cfg.Chain.ContractAddress,
		"pool_size", cfg.Pool.TargetSize,
		"signer_mode", cfg.Signer.Mode,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "mintpool", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	workerRepo := postgres.NewWorkerRepo(db)
	orderRepo := postgres.NewOrderRepo(db)
	batchRepo := postgres.NewBatchRepo(db)

	lease, closeLease, err := buildLease(cfg.Redis, cfg.Pool.LeaseTTL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
		os.Exit(1)
	}
	defer closeLease()

	alerter := buildAlerter(cfg.Alert, logger)

	limiter := ratelimit.NewLimiter(cfg.Chain.RPCRateLimit, cfg.Chain.RPCRateBurst)
	rpcClient := rpc.NewClient(cfg.Chain.RPCURL, limiter, logger)
	feeEstimator := chain.NewFeeEstimator(rpcClient, logger)

	builder, err := txn.NewBuilder(rpcClient, cfg.Chain.ContractAddress, cfg.Chain.ChainID)
	if err != nil {
		logger.Error("failed to build transaction builder", "error", err)
		os.Exit(1)
	}
	signer := buildSigner(cfg.Signer)

	reg := registry.New(workerRepo, lease, registry.LocalKeyGenerator, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := reg.Provision(ctx, cfg.Pool.TargetSize)
	if err != nil {
		logger.Error("failed to provision worker pool", "error", err)
		os.Exit(1)
	}
	if created > 0 {
		logger.Info("provisioned workers", "created", created, "target", cfg.Pool.TargetSize)
	}

	var funder engine.FundingRequester
	if cfg.Funding.MasterAddress != "" && cfg.Funding.MasterKeyReference != "" {
		funder = funding.NewMasterFunder(
			cfg.Funding, cfg.Chain.ChainID, rpcClient, feeEstimator,
			signer, workerRepo, orderRepo, alerter, logger,
		)
		logger.Info("master wallet funding enabled", "master", cfg.Funding.MasterAddress)
	} else {
		funder = funding.NewAlertRequester(alerter, logger)
	}

	eng := engine.New(engine.Params{
		Config:       cfg.Engine,
		MinWorkerWei: cfg.Funding.MinWorkerWei,
		Registry:     reg,
		Orders:       orderRepo,
		Batches:      batchRepo,
		Client:       rpcClient,
		Fees:         feeEstimator,
		Publisher:    metadata.NewCachedPublisher(metadata.NewPinataPublisher(cfg.Pinata, logger)),
		Builder:      builder,
		Signer:       signer,
		Funding:      funder,
		Alerter:      alerter,
		Logger:       logger,
	})

	balanceMonitor := monitor.NewBalanceMonitor(cfg.Funding, rpcClient, workerRepo, alerter, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	g.Go(func() error {
		return balanceMonitor.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("mintpool exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("mintpool shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
