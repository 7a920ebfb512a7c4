// Package main is the entrypoint for the task worker Lambda function.
//
// The worker consumes scheduled tasks from the delayed-delivery SQS queue and
// dispatches each batch through the task routing table. Cold start wires the
// database pool, the platform client, the scheduler (for continuations and
// re-scheduling), and CloudWatch task telemetry; the handler then runs for
// the lifetime of the execution environment.
//
// Delivery is at-least-once and handlers are idempotent, so the worker never
// reports batch item failures: a task that errors is logged and counted, not
// retried.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"speculator/internal/config"
	"speculator/internal/db"
	"speculator/internal/dispatch"
	"speculator/internal/scheduler"
	"speculator/internal/tasks"
	"speculator/internal/telemetry"
	"speculator/internal/twitch"
	"speculator/internal/types"
)

// Handler holds the long-lived dependencies of the worker.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// Handle processes one SQS event. Records that fail to parse are dropped
// with a log line; everything else goes to the dispatcher as one batch.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) error {
	batch := make([]types.ScheduledTask, 0, len(sqsEvent.Records))
	for _, record := range sqsEvent.Records {
		var task types.ScheduledTask
		if err := json.Unmarshal([]byte(record.Body), &task); err != nil {
			h.logger.ErrorContext(ctx, "undecodable task message, dropping",
				"message_id", record.MessageId, "error", err)
			continue
		}
		batch = append(batch, task)
	}
	if len(batch) == 0 {
		return nil
	}

	results := h.dispatcher.Dispatch(ctx, batch)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	h.logger.InfoContext(ctx, "batch processed",
		"total", len(results), "failed", failed)
	return nil
}

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))

	handler, err := buildHandler(context.Background(), logger)
	if err != nil {
		logger.Error("cold start failed", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// buildHandler performs cold-start wiring.
func buildHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	taskRepo := db.NewTaskRecordRepository(pool)
	channelRepo := db.NewChannelRepository(pool)
	predictionRepo := db.NewPredictionRepository(pool)
	metricRepo := db.NewStreamMetricRepository(pool)
	subRepo := db.NewWebhookSubscriptionRepository(pool)

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	backend := scheduler.NewSQSBackend(sqsClient, cfg.AWS.TaskQueueURL, logger)
	sched := scheduler.New(taskRepo, backend, logger)

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
		Local:       cfg.IsLocal(),
		Logger:      logger,
	}

	metrics := telemetry.NewCloudWatchTaskMetrics(
		cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricNamespace, logger)
	dispatcher := dispatch.New(services.Routes(), sched, metrics, logger)

	return &Handler{dispatcher: dispatcher, logger: logger}, nil
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
