// Package queue publishes operator notices to SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"repurpose/internal/billing"
	"repurpose/internal/config"
)

// sendTimeout bounds one SendMessage call. Notices are sent after the ledger
// commit, while Stripe is still waiting for the response.
const sendTimeout = 2 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier implements billing.FailureNotifier by sending each notice as a
// JSON message to the ops queue.
type SQSNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ billing.FailureNotifier = (*SQSNotifier)(nil)

// NewSQSNotifier creates a notifier for the queue in awsCfg.OpsQueueURL.
func NewSQSNotifier(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) (*SQSNotifier, error) {
	if awsCfg.OpsQueueURL == "" {
		return nil, fmt.Errorf("queue: ops queue URL is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSNotifier{client: client, queueURL: awsCfg.OpsQueueURL, logger: logger}, nil
}

// NotifyFailure publishes notice. The event id and type are copied into
// message attributes so consumers can filter without parsing the body.
func (n *SQSNotifier) NotifyFailure(ctx context.Context, notice billing.FailureNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal failure notice: %w", err)
	}

	noticeID := uuid.New().String()
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_id":   stringAttr(notice.EventID),
			"event_type": stringAttr(notice.EventType),
			"notice_id":  stringAttr(noticeID),
		},
	}

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	out, err := n.client.SendMessage(sctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send failure notice to %s: %w", n.queueURL, err)
	}

	attrs := []any{
		"queue_url", n.queueURL,
		"notice_id", noticeID,
		"event_id", notice.EventID,
		"event_type", notice.EventType,
	}
	if out != nil && out.MessageId != nil {
		attrs = append(attrs, "message_id", *out.MessageId)
	}
	n.logger.InfoContext(ctx, "failure notice sent", attrs...)
	return nil
}

// SQS rejects empty string attributes.
func stringAttr(v string) sqsTypes.MessageAttributeValue {
	if v == "" {
		v = "unknown"
	}
	return sqsTypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
