// Package queue provides the SQS producer for entitlement change events
// consumed by the audit worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"breathofnow/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventTypeEntitlementChanged is the "event_type" message attribute.
const EventTypeEntitlementChanged = "entitlement.changed"

// EntitlementPublisher implements types.EventPublisher on top of one SQS queue.
type EntitlementPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ types.EventPublisher = (*EntitlementPublisher)(nil)

// NewEntitlementPublisher creates a publisher targeting queueURL.
func NewEntitlementPublisher(client SQSSender, queueURL string, logger *slog.Logger) *EntitlementPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementPublisher{client: client, queueURL: queueURL, logger: logger}
}

// PublishEntitlementChanged serializes evt and sends it with event_type and
// user_id attributes so consumers can filter without decoding the body.
func (p *EntitlementPublisher) PublishEntitlementChanged(ctx context.Context, evt types.EntitlementChanged) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal EntitlementChanged: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventTypeEntitlementChanged),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.UserID),
			},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send EntitlementChanged to %s: %w", p.queueURL, err)
	}

	attrs := []any{
		"event_id", evt.EventID,
		"user_id", evt.UserID,
		"action", string(evt.Action),
		"app_id", evt.AppID,
	}
	if out != nil && out.MessageId != nil {
		attrs = append(attrs, "message_id", *out.MessageId)
	}
	p.logger.DebugContext(ctx, "entitlement event published", attrs...)

	return nil
}

// DiscardPublisher drops events. It is used when no queue is configured.
type DiscardPublisher struct{}

func (DiscardPublisher) PublishEntitlementChanged(context.Context, types.EntitlementChanged) error {
	return nil
}
