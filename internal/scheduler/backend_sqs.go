package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"speculator/internal/types"
)

// sqsBatchLimit is the maximum number of entries SQS accepts in a single
// SendMessageBatch request.
const sqsBatchLimit = 10

// SQSAPI abstracts the SQS operations the backend uses, for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSBackend delivers tasks through a delayed SQS queue. Delivery is
// at-least-once; handlers are expected to be idempotent.
type SQSBackend struct {
	client   SQSAPI
	queueURL string
	logger   *slog.Logger
}

// NewSQSBackend creates an SQSBackend targeting the given queue.
func NewSQSBackend(client SQSAPI, queueURL string, logger *slog.Logger) *SQSBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSBackend{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Send enqueues a single task with the given delivery delay.
func (b *SQSBackend) Send(ctx context.Context, task types.ScheduledTask, delaySeconds int) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("sqs backend: marshaling task %s: %w", task.Type, err)
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(b.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: clampDelay(delaySeconds),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to send task message", err)
	}
	return nil
}

// SendBatch enqueues a batch of tasks, chunked at the SQS batch entry limit.
// Any entry SQS reports as failed, or any failed chunk request, is surfaced
// as an error so the caller knows the batch was not fully delivered.
func (b *SQSBackend) SendBatch(ctx context.Context, entries []BatchEntry) error {
	for start := 0; start < len(entries); start += sqsBatchLimit {
		end := min(start+sqsBatchLimit, len(entries))
		if err := b.sendChunk(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQSBackend) sendChunk(ctx context.Context, chunk []BatchEntry) error {
	batchEntries := make([]sqsTypes.SendMessageBatchRequestEntry, 0, len(chunk))
	for i, entry := range chunk {
		body, err := json.Marshal(entry.Task)
		if err != nil {
			return fmt.Errorf("sqs backend: marshaling task %s: %w", entry.Task.Type, err)
		}
		batchEntries = append(batchEntries, sqsTypes.SendMessageBatchRequestEntry{
			// Ids only need to be unique within one request.
			Id:           aws.String(fmt.Sprintf("%d-%d", entry.Task.Type, i)),
			MessageBody:  aws.String(string(body)),
			DelaySeconds: clampDelay(entry.DelaySeconds),
		})
	}

	out, err := b.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(b.queueURL),
		Entries:  batchEntries,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to send task batch", err)
	}
	if len(out.Failed) > 0 {
		for _, f := range out.Failed {
			b.logger.ErrorContext(ctx, "batch entry rejected",
				"entry_id", aws.ToString(f.Id),
				"code", aws.ToString(f.Code),
				"message", aws.ToString(f.Message),
			)
		}
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("%d of %d batch entries failed", len(out.Failed), len(batchEntries)), nil)
	}
	return nil
}

// clampDelay bounds a delay to the range SQS accepts.
func clampDelay(seconds int) int32 {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return int32(seconds)
}
