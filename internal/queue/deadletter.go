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

	"gridrelay/internal/types"
)

// deadLetterReasonAttr is the message attribute carrying the routing reason.
const deadLetterReasonAttr = "reason"

// DeadLetterMessage is an event envelope as held in the dead-letter sink,
// annotated with the reason it was parked there.
type DeadLetterMessage struct {
	Message       types.EventMessage
	Reason        string
	ReceiptHandle string
}

// DeadLetter routes irrecoverable messages to the dead-letter queue and
// supports draining and replaying them. Messages are held for manual
// inspection; replay re-publishes to the main queue with the original
// event_id as dedup key, so a replay racing a lingering duplicate stays safe.
type DeadLetter struct {
	client   SQSReceiver
	sender   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDeadLetter creates a DeadLetter sink client. The client passed as sender
// and receiver is typically the same *sqs.Client.
func NewDeadLetter(sender SQSSender, receiver SQSReceiver, queueURL string, logger *slog.Logger) *DeadLetter {
	return &DeadLetter{
		client:   receiver,
		sender:   sender,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Route publishes the message to the dead-letter queue with the reason
// attached as a message attribute.
func (d *DeadLetter) Route(ctx context.Context, msg types.EventMessage, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("deadletter: failed to marshal event message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(d.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageDeduplicationId: aws.String(msg.Event.EventID),
		MessageGroupId:         aws.String(messageGroup(msg.Event)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			deadLetterReasonAttr: {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := d.sender.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("deadletter: failed to route message to %s: %w", d.queueURL, err)
	}

	d.logger.WarnContext(ctx, "event routed to dead-letter",
		"event_id", msg.Event.EventID,
		"sheet_id", msg.Event.SheetID,
		"reason", reason,
		"trace_id", msg.Event.TraceID,
	)

	return nil
}

// Drain receives up to max parked messages without removing them from the
// sink. Entries that fail to parse are skipped and logged; a poisoned body in
// the dead-letter queue must not block inspection of the rest.
func (d *DeadLetter) Drain(ctx context.Context, max int32) ([]DeadLetterMessage, error) {
	// SQS caps a single receive at 10 messages.
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(d.queueURL),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       2,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to receive messages: %w", err)
	}

	msgs := make([]DeadLetterMessage, 0, len(out.Messages))
	for _, raw := range out.Messages {
		if raw.Body == nil || raw.ReceiptHandle == nil {
			continue
		}

		var env types.EventMessage
		if err := json.Unmarshal([]byte(*raw.Body), &env); err != nil {
			d.logger.ErrorContext(ctx, "unparseable dead-letter message",
				"error", err.Error(),
			)
			continue
		}

		dlm := DeadLetterMessage{
			Message:       env,
			ReceiptHandle: *raw.ReceiptHandle,
		}
		if attr, ok := raw.MessageAttributes[deadLetterReasonAttr]; ok && attr.StringValue != nil {
			dlm.Reason = *attr.StringValue
		}
		msgs = append(msgs, dlm)
	}

	return msgs, nil
}

// Replay re-publishes a drained message to the main queue via the given
// publisher, preserving the original event_id dedup key, then removes it from
// the dead-letter sink.
func (d *DeadLetter) Replay(ctx context.Context, pub *Publisher, msg DeadLetterMessage) error {
	if err := pub.Enqueue(ctx, msg.Message, msg.Message.Event.EventID); err != nil {
		return fmt.Errorf("deadletter: failed to replay message: %w", err)
	}

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := d.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deadletter: replayed but failed to remove from sink: %w", err)
	}

	d.logger.InfoContext(ctx, "dead-letter message replayed",
		"event_id", msg.Message.Event.EventID,
		"original_reason", msg.Reason,
	)
	return nil
}
