package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/plangate/plangate/internal/job"
)

// sqsMessageGroup groups every message on a FIFO queue. Ordering between jobs
// does not matter, only deduplication does.
const sqsMessageGroup = "plan-generation"

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue delivers work items through an SQS queue. On a FIFO queue the
// dedup key becomes the MessageDeduplicationId and SQS enforces its
// five-minute window. A standard queue ignores the key.
type SQSQueue struct {
	client   SQSAPI
	url      string
	fifo     bool
	waitTime int32
	logger   *slog.Logger
}

// NewSQSQueue creates an SQSQueue for the queue at url. waitSeconds is the
// long-poll duration, clamped to SQS's 0..20 range.
func NewSQSQueue(client SQSAPI, url string, waitSeconds int32, logger *slog.Logger) *SQSQueue {
	if logger == nil {
		logger = slog.Default()
	}
	waitSeconds = max(0, min(waitSeconds, 20))
	return &SQSQueue{
		client:   client,
		url:      url,
		fifo:     strings.HasSuffix(url, ".fifo"),
		waitTime: waitSeconds,
		logger:   logger.With("component", "sqs_queue"),
	}
}

// Enqueue sends the item as a JSON message body.
func (q *SQSQueue) Enqueue(ctx context.Context, item job.WorkItem, dedupKey string) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode item %s: %w", item.ID, err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(sqsMessageGroup)
		if dedupKey != "" {
			in.MessageDeduplicationId = aws.String(dedupKey)
		}
	}

	out, err := q.client.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", item.ID, err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls until a message arrives or ctx is done.
func (q *SQSQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.waitTime,
		})
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("receive: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}

		msg := out.Messages[0]
		handle := msg.ReceiptHandle

		var item job.WorkItem
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &item); err != nil || item.ID == "" {
			q.logger.Error("dropping malformed message", "message_id", aws.ToString(msg.MessageId), "error", err)
			if err := q.delete(ctx, handle); err != nil {
				q.logger.Warn("delete malformed message failed", "message_id", aws.ToString(msg.MessageId), "error", err)
			}
			continue
		}

		return &Delivery{
			Item:      item,
			MessageID: aws.ToString(msg.MessageId),
			ack: func(ctx context.Context) error {
				return q.delete(ctx, handle)
			},
			nack: func(ctx context.Context) error {
				_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(q.url),
					ReceiptHandle:     handle,
					VisibilityTimeout: 0,
				})
				return err
			},
		}, nil
	}
}

func (q *SQSQueue) delete(ctx context.Context, handle *string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: handle,
	})
	return err
}
