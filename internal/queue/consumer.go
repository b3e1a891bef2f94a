package queue

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// receiveErrorBackoff is how long a consumer sleeps after a failed
// ReceiveMessage call before polling again.
const receiveErrorBackoff = 5 * time.Second

// maxVisibilityDelay caps the invisibility delay a Nack can request.
// SQS rejects visibility timeouts above 12 hours; the retry policy's MaxDelay
// should keep values far below this anyway.
const maxVisibilityDelay = 12 * time.Hour

// SQSReceiver abstracts the SQS operations a consumer needs.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Delivery is a single received message plus its transport metadata.
// ReceiveCount is the broker-maintained delivery attempt count, distinct from
// the application-level attempt counter in the ledger.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
	SentAt        time.Time
}

// Disposition tells the consumer what to do with a delivery after handling.
type Disposition struct {
	// Ack permanently removes the message from the queue.
	Ack bool

	// RetryAfter, when Ack is false, is the invisibility delay before the
	// broker redelivers the message. The delay is enforced by the broker's
	// visibility timer, never by blocking the worker.
	RetryAfter time.Duration
}

// Ack is the disposition that removes the message.
func Ack() Disposition { return Disposition{Ack: true} }

// NackAfter is the disposition that schedules redelivery after delay.
func NackAfter(delay time.Duration) Disposition { return Disposition{RetryAfter: delay} }

// Handler processes one delivery and decides its disposition. Implementations
// must be safe for concurrent use: one Consumer runs per worker.
type Handler interface {
	HandleDelivery(ctx context.Context, d Delivery) Disposition
}

// Consumer long-polls the event queue and feeds deliveries to a Handler.
// Consumption does not remove a message: only an explicit Ack does. A worker
// that crashes mid-processing simply leaves the message invisible until the
// visibility lock expires, after which another consumer picks it up.
type Consumer struct {
	client    SQSReceiver
	queueURL  string
	logger    *slog.Logger
	batchSize int32
	waitTime  int32
}

// NewConsumer creates a Consumer for the given queue.
func NewConsumer(client SQSReceiver, queueURL string, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		logger:    logger,
		batchSize: 10,
		waitTime:  20,
	}
}

// Run polls until the context is cancelled. Messages within a received batch
// are handled sequentially; concurrency comes from running multiple consumers
// coordinated only through broker visibility.
func (c *Consumer) Run(ctx context.Context, handler Handler) {
	c.logger.InfoContext(ctx, "queue consumer started", "queue_url", c.queueURL)

	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "queue consumer stopped", "queue_url", c.queueURL)
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(c.queueURL),
			MaxNumberOfMessages:         c.batchSize,
			WaitTimeSeconds:             c.waitTime,
			MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{sqsTypes.MessageSystemAttributeNameApproximateReceiveCount, sqsTypes.MessageSystemAttributeNameSentTimestamp},
			MessageAttributeNames:       []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.ErrorContext(ctx, "failed to receive messages", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			if ctx.Err() != nil {
				return
			}
			c.dispatch(ctx, handler, msg)
		}
	}
}

// dispatch converts one raw SQS message into a Delivery, invokes the handler,
// and applies the resulting disposition.
func (c *Consumer) dispatch(ctx context.Context, handler Handler, msg sqsTypes.Message) {
	if msg.Body == nil || msg.ReceiptHandle == nil {
		c.logger.WarnContext(ctx, "received message with missing body or receipt handle")
		return
	}

	d := Delivery{
		ReceiptHandle: *msg.ReceiptHandle,
		Body:          []byte(*msg.Body),
	}
	if msg.MessageId != nil {
		d.MessageID = *msg.MessageId
	}
	if rc, ok := msg.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil {
			d.ReceiveCount = n
		}
	}
	if st, ok := msg.Attributes[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(st, 10, 64); err == nil {
			d.SentAt = time.UnixMilli(ms)
		}
	}

	disp := handler.HandleDelivery(ctx, d)

	if disp.Ack {
		c.ack(ctx, d)
		return
	}
	c.nack(ctx, d, disp.RetryAfter)
}

// ack deletes the message. Deletion uses a short detached context so an
// in-flight shutdown does not orphan a successfully processed message into
// redelivery.
func (c *Consumer) ack(ctx context.Context, d Delivery) {
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := c.client.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(d.ReceiptHandle),
	})
	if err != nil {
		// The message will be redelivered; the ledger's terminal check makes
		// the duplicate a no-op downstream.
		c.logger.ErrorContext(ctx, "failed to delete message after ack",
			"message_id", d.MessageID,
			"error", err.Error(),
		)
	}
}

// nack makes the message eligible for redelivery after the given delay by
// adjusting its visibility timeout.
func (c *Consumer) nack(ctx context.Context, d Delivery, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	if delay > maxVisibilityDelay {
		delay = maxVisibilityDelay
	}

	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(d.ReceiptHandle),
		VisibilityTimeout: int32(delay.Seconds()),
	})
	if err != nil {
		// Harmless: the message reappears when the original visibility
		// timeout lapses, just without the requested backoff spacing.
		c.logger.WarnContext(ctx, "failed to adjust message visibility",
			"message_id", d.MessageID,
			"error", err.Error(),
		)
		return
	}

	c.logger.InfoContext(ctx, "message scheduled for redelivery",
		"message_id", d.MessageID,
		"delay_seconds", int(delay.Seconds()),
	)
}
