package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gridrelay/internal/types"
)

func TestDeadLetter_Route_AttachesReason(t *testing.T) {
	sender := new(mockSQSSender)
	dl := NewDeadLetter(sender, new(mockSQSReceiver), "https://sqs.test/dead.fifo", testLogger())
	msg := envelope()

	var captured *sqs.SendMessageInput
	sender.On("SendMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			captured = args.Get(1).(*sqs.SendMessageInput)
		}).
		Return(&sqs.SendMessageOutput{}, nil)

	err := dl.Route(context.Background(), msg, "downstream returned 400")

	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "https://sqs.test/dead.fifo", *captured.QueueUrl)
	assert.Equal(t, msg.Event.EventID, *captured.MessageDeduplicationId)
	assert.Equal(t, "sheet_42", *captured.MessageGroupId)
	require.Contains(t, captured.MessageAttributes, deadLetterReasonAttr)
	assert.Equal(t, "downstream returned 400", *captured.MessageAttributes[deadLetterReasonAttr].StringValue)
}

func TestDeadLetter_Route_SendError(t *testing.T) {
	sender := new(mockSQSSender)
	dl := NewDeadLetter(sender, new(mockSQSReceiver), "https://sqs.test/dead.fifo", testLogger())

	sender.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("access denied"))

	err := dl.Route(context.Background(), envelope(), "reason")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to route message")
}

func TestDeadLetter_Drain_ParsesMessagesAndSkipsPoison(t *testing.T) {
	receiver := new(mockSQSReceiver)
	dl := NewDeadLetter(new(mockSQSSender), receiver, "https://sqs.test/dead.fifo", testLogger())

	good, err := json.Marshal(envelope())
	require.NoError(t, err)

	out := &sqs.ReceiveMessageOutput{
		Messages: []sqsTypes.Message{
			{
				Body:          aws.String(string(good)),
				ReceiptHandle: aws.String("rh-1"),
				MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
					deadLetterReasonAttr: {
						DataType:    aws.String("String"),
						StringValue: aws.String("downstream returned 422"),
					},
				},
			},
			{
				Body:          aws.String("not json"),
				ReceiptHandle: aws.String("rh-2"),
			},
		},
	}
	receiver.On("ReceiveMessage", mock.Anything, mock.Anything).Return(out, nil)

	msgs, err := dl.Drain(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "evt_0123456789abcdef01234567", msgs[0].Message.Event.EventID)
	assert.Equal(t, "downstream returned 422", msgs[0].Reason)
	assert.Equal(t, "rh-1", msgs[0].ReceiptHandle)
}

func TestDeadLetter_Drain_ClampsBatchSize(t *testing.T) {
	receiver := new(mockSQSReceiver)
	dl := NewDeadLetter(new(mockSQSSender), receiver, "https://sqs.test/dead.fifo", testLogger())

	receiver.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return in.MaxNumberOfMessages == 10
	})).Return(&sqs.ReceiveMessageOutput{}, nil)

	_, err := dl.Drain(context.Background(), 50)

	require.NoError(t, err)
	receiver.AssertExpectations(t)
}

func TestDeadLetter_Replay_EnqueuesThenDeletes(t *testing.T) {
	sender := new(mockSQSSender)
	receiver := new(mockSQSReceiver)
	dl := NewDeadLetter(sender, receiver, "https://sqs.test/dead.fifo", testLogger())
	pub := NewPublisher(sender, "https://sqs.test/events.fifo", testLogger())

	parked := DeadLetterMessage{
		Message:       envelope(),
		Reason:        "downstream returned 500",
		ReceiptHandle: "rh-1",
	}

	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return *in.QueueUrl == "https://sqs.test/events.fifo" &&
			*in.MessageDeduplicationId == parked.Message.Event.EventID
	})).Return(&sqs.SendMessageOutput{}, nil)
	receiver.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return *in.ReceiptHandle == "rh-1"
	})).Return(&sqs.DeleteMessageOutput{}, nil)

	err := dl.Replay(context.Background(), pub, parked)

	require.NoError(t, err)
	sender.AssertExpectations(t)
	receiver.AssertExpectations(t)
}

func TestDeadLetter_Replay_EnqueueFailureKeepsMessageParked(t *testing.T) {
	sender := new(mockSQSSender)
	receiver := new(mockSQSReceiver)
	dl := NewDeadLetter(sender, receiver, "https://sqs.test/dead.fifo", testLogger())
	pub := NewPublisher(sender, "https://sqs.test/events.fifo", testLogger())

	sender.On("SendMessage", mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled"))

	err := dl.Replay(context.Background(), pub, DeadLetterMessage{Message: envelope(), ReceiptHandle: "rh-1"})

	require.Error(t, err)
	receiver.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
}

// EventMessage envelopes survive a queue round-trip with identity intact.
func TestEventMessage_RoundTrip(t *testing.T) {
	msg := envelope()

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded types.EventMessage
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, msg.Event.EventID, decoded.Event.EventID)
	assert.Equal(t, msg.Event.SheetID, decoded.Event.SheetID)
	assert.Equal(t, msg.Event.Action, decoded.Event.Action)
}
