// Package telemetry emits operational metrics for task execution to
// CloudWatch. Metric publication is best-effort: a failed PutMetricData call
// is logged and never affects task outcomes.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"speculator/internal/types"
)

// TaskOutcome labels the result of one task execution.
type TaskOutcome string

const (
	OutcomeOK       TaskOutcome = "ok"
	OutcomeError    TaskOutcome = "error"
	OutcomeRequeued TaskOutcome = "requeued"
)

// TaskMetrics records task execution outcomes.
type TaskMetrics interface {
	RecordTask(ctx context.Context, taskType types.TaskType, outcome TaskOutcome)
}

// CloudWatchClient abstracts the PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchTaskMetrics publishes TaskExecution counts with TaskType and
// Outcome dimensions to the configured namespace.
type CloudWatchTaskMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ TaskMetrics = (*CloudWatchTaskMetrics)(nil)

// NewCloudWatchTaskMetrics creates a CloudWatchTaskMetrics publisher.
func NewCloudWatchTaskMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchTaskMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchTaskMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordTask emits one TaskExecution datum.
func (m *CloudWatchTaskMetrics) RecordTask(ctx context.Context, taskType types.TaskType, outcome TaskOutcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("TaskExecution"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("TaskType"), Value: aws.String(taskType.String())},
					{Name: aws.String("Outcome"), Value: aws.String(string(outcome))},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record task metric",
			"error", err,
			"task_type", taskType.String(),
			"outcome", string(outcome),
		)
	}
}

// NoopTaskMetrics discards all metrics. Used in local mode and tests.
type NoopTaskMetrics struct{}

var _ TaskMetrics = NoopTaskMetrics{}

// RecordTask does nothing.
func (NoopTaskMetrics) RecordTask(context.Context, types.TaskType, TaskOutcome) {}
