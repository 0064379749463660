package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/notifier"
	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/dunamismax/mediaflow/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[notifier] ", log.LstdFlags|log.Lmsgprefix)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  "mediaflow-notifier",
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

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	srv, err := notifier.NewServer(logger, cfg.Queue, cfg.Notifier, webhookClient)
	if err != nil {
		logger.Fatalf("notifier setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Notifier.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Notifier.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting notifier concurrency=%d queue=%s redis=%s",
		cfg.Notifier.Concurrency,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
	)
	if err := srv.Run(); err != nil {
		logger.Printf("notifier failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Printf("metrics shutdown error: %v", err)
	}
}
