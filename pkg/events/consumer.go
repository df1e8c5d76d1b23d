package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/types"
)

const (
	waitTimeSeconds     = 20
	maxMessagesPerPoll  = 10
	receiveRetryBackoff = 5 * time.Second
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// eventEnvelope is the bridge wrapper around a task-state-change payload.
// Events may also arrive unwrapped; both shapes decode.
type eventEnvelope struct {
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// Consumer long-polls the task-state-change queue and publishes decoded
// task.stopped events on the broker. A message is deleted only after its
// subscriber acknowledges it; everything else becomes visible again and is
// redelivered.
type Consumer struct {
	sqs      SQSAPI
	queueURL string
	broker   *Broker
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a queue consumer publishing on broker.
func NewConsumer(client SQSAPI, queueURL string, broker *Broker) *Consumer {
	return &Consumer{
		sqs:      client,
		queueURL: queueURL,
		broker:   broker,
		logger:   log.WithComponent("events"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.pollLoop(ctx)
	c.logger.Info().Str("queue", c.queueURL).Msg("Event consumer started")
}

// Stop terminates the polling loop and waits for it.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("Event consumer stopped")
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: maxMessagesPerPoll,
			WaitTimeSeconds:     waitTimeSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("Receive failed; backing off")
			select {
			case <-time.After(receiveRetryBackoff):
			case <-c.stopCh:
				return
			}
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, aws.ToString(msg.Body), aws.ToString(msg.ReceiptHandle), aws.ToString(msg.MessageId))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body, receiptHandle, messageID string) {
	task, err := DecodeTaskEvent([]byte(body))
	if err != nil {
		c.logger.Warn().Err(err).Str("message_id", messageID).Msg("Undecodable event; deleting")
		c.delete(ctx, receiptHandle)
		return
	}

	c.broker.Publish(&Event{
		ID:   messageID,
		Type: EventTaskStopped,
		Task: task,
		Ack: func() {
			c.delete(ctx, receiptHandle)
		},
	})
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to delete message; it will be redelivered")
	}
}

// DecodeTaskEvent parses a task-state-change payload, unwrapping the bridge
// envelope when present.
func DecodeTaskEvent(body []byte) (*types.TaskStoppedEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Detail) > 0 {
		body = env.Detail
	}

	var task types.TaskStoppedEvent
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
