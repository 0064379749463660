package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/mediaflow/internal/api"
	"github.com/dunamismax/mediaflow/internal/bus"
	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/engine"
	"github.com/dunamismax/mediaflow/internal/orchestrator"
	"github.com/dunamismax/mediaflow/internal/queue"
	"github.com/dunamismax/mediaflow/internal/ratelimit"
	"github.com/dunamismax/mediaflow/internal/storage"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "mediaflow-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	jobStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("open %s store: %v", cfg.Store.Driver, err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Printf("store close error: %v", err)
		}
	}()

	var (
		uploader engine.Uploader
		linker   api.ResultLinker
	)
	if cfg.Storage.Enabled {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
			Prefix:   cfg.Storage.Prefix,
		})
		if err != nil {
			logger.Fatalf("storage setup failed: %v", err)
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatalf("storage bucket check failed: %v", err)
		}
		uploader, linker = storageClient, storageClient
		logger.Printf("object storage enabled bucket=%s", storageClient.Bucket())
	}

	fetcher, err := newFetcher(ctx, cfg.Engine, logger)
	if err != nil {
		logger.Fatalf("engine setup failed: %v", err)
	}
	downloads := engine.New(fetcher, engine.Options{
		ProgressInterval: cfg.Engine.ProgressInterval,
		StallTimeout:     cfg.Engine.StallTimeout,
		Uploader:         uploader,
	})

	opts := orchestrator.Options{
		MaxActive:   cfg.Orchestrator.MaxActive,
		CancelGrace: cfg.Orchestrator.CancelGrace,
	}
	if cfg.Queue.Enabled {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		opts.Notifier = queueClient
		logger.Printf("webhook notifications enabled queue=%s redis=%s", cfg.Queue.Name, cfg.Queue.RedisAddr)
	}

	orch := orchestrator.New(logger, jobStore, bus.New(), downloads, opts)
	if err := orch.Recover(ctx); err != nil {
		logger.Fatalf("recover jobs: %v", err)
	}

	apiOpts := api.Options{
		Storage:    linker,
		PresignTTL: cfg.Storage.PresignExpiry,
		Gatherers:  []prometheus.Gatherer{orch.MetricsGatherer()},
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, ratelimit.DefaultKeyPrefix)
		if err != nil {
			logger.Fatalf("rate limiter setup failed: %v", err)
		}
		apiOpts.RateLimiter = limiter
		apiOpts.SubmitCost = cfg.RateLimit.SubmitCost
	}

	app := api.NewServer(logger, orch, apiOpts)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf(
			"listening on %s store=%s engine=%s max_active=%d",
			cfg.API.Addr,
			cfg.Store.Driver,
			cfg.Engine.Kind,
			cfg.Orchestrator.MaxActive,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Printf("orchestrator close failed: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.JobStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryJobStore(), nil
	case "postgres":
		return store.NewPostgresJobStore(ctx, cfg.PostgresDSN)
	default:
		return store.NewSQLiteJobStore(ctx, cfg.SQLitePath)
	}
}

func newFetcher(ctx context.Context, cfg config.EngineConfig, logger *log.Logger) (engine.Fetcher, error) {
	if cfg.Kind == "http" {
		return &engine.HTTPFetcher{
			Client:    &http.Client{},
			OutputDir: cfg.OutputDir,
			UserAgent: cfg.UserAgent,
		}, nil
	}

	f := &engine.YTDLPFetcher{OutputDir: cfg.OutputDir, Executable: cfg.YTDLPPath}
	if err := f.Available(ctx); err != nil {
		return nil, err
	}
	logger.Printf("yt-dlp available output_dir=%s", cfg.OutputDir)
	return f, nil
}
