package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/logger"
)

const receiveErrorBackoff = 5 * time.Second

// Consumer drains the tracking queue into a downstream sink. A message is
// deleted only once the sink has stored it; undecodable messages are dropped.
type Consumer struct {
	client   SQSAPI
	queueURL string
	sink     EventSink
	waitTime int32
	backoff  time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewConsumer(client SQSAPI, queueURL string, sink EventSink) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		sink:     sink,
		waitTime: 20,
		backoff:  receiveErrorBackoff,
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	logger.Info("sqs tracking consumer started", "queue", c.queueURL)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop ends polling and waits for the in-flight batch to finish.
func (c *Consumer) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.receive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("sqs receive failed", "queue", c.queueURL, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.backoff):
			}
		}
	}
}

// receive handles one long-poll worth of messages.
func (c *Consumer) receive(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitTime,
	})
	if err != nil {
		return err
	}
	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	var evt domain.TrackedEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil || evt.Type == "" {
		logger.Warn("dropping undecodable tracking message", "message_id", aws.ToString(msg.MessageId))
		c.delete(ctx, msg.ReceiptHandle)
		return
	}

	if err := c.sink.Record(ctx, evt); err != nil {
		// Left on the queue; SQS redelivers it after the visibility timeout.
		logger.Error("tracking event apply failed",
			"event_type", string(evt.Type),
			"event_id", evt.ID,
			"error", err.Error())
		return
	}
	c.delete(ctx, msg.ReceiptHandle)
}

func (c *Consumer) delete(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("sqs delete failed", "queue", c.queueURL, "error", err.Error())
	}
}
