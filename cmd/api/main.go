// Package main is the entry point for the speculator API server.
//
// It hosts the EventSub webhook sink and health endpoint. In local mode
// (APP_ENV=local) it additionally runs the in-process delayed-delivery
// backend and task dispatcher, so the whole scheduling loop works without
// SQS or a public callback URL.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"speculator/internal/api"
	"speculator/internal/config"
	"speculator/internal/db"
	"speculator/internal/dispatch"
	"speculator/internal/scheduler"
	"speculator/internal/tasks"
	"speculator/internal/telemetry"
	"speculator/internal/twitch"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("speculator API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	taskRepo := db.NewTaskRecordRepository(pool)
	channelRepo := db.NewChannelRepository(pool)
	predictionRepo := db.NewPredictionRepository(pool)
	metricRepo := db.NewStreamMetricRepository(pool)
	subRepo := db.NewWebhookSubscriptionRepository(pool)

	var backend scheduler.Backend
	var local *scheduler.LocalBackend
	if cfg.IsLocal() {
		local = scheduler.NewLocalBackend(logger)
		defer local.Stop()
		backend = local
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		backend = scheduler.NewSQSBackend(sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		}), cfg.AWS.TaskQueueURL, logger)
	}

	sched := scheduler.New(taskRepo, backend, logger)

	// Local mode executes tasks in-process: the local backend's timers feed
	// the dispatcher directly, closing the loop the SQS worker closes in
	// deployed environments.
	if local != nil {
		transport := twitch.NewTransport(nil, twitch.DefaultRetryPolicy())
		tokens := twitch.NewClientCredentialsSource(transport,
			cfg.Twitch.TokenURL, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret)
		client := twitch.NewClient(cfg.Twitch, transport, tokens, subRepo, logger)
		collector := twitch.NewViewerCountCollector(cfg.Twitch.PubSubURL,
			twitch.WebsocketDialer{}, logger)

		services := &tasks.Services{
			Scheduler:   sched,
			TaskRecords: taskRepo,
			Channels:    channelRepo,
			Predictions: predictionRepo,
			Metrics:     metricRepo,
			Subscriber:  client,
			Collector:   collector,
			Streams:     client,
			Cfg:         cfg.Scheduler,
			Local:       true,
			Logger:      logger,
		}
		dispatcher := dispatch.New(services.Routes(), sched, telemetry.NoopTaskMetrics{}, logger)
		local.SetDelivery(dispatcher.DispatchOne)
	}

	webhook := api.NewEventSubHandler(cfg.Twitch.WebhookSecret, sched, subRepo, logger)
	srv := api.NewServer(cfg, webhook, pool, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
