package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrack/internal/domain"
)

// fakeSQS is a single in-memory queue.
type fakeSQS struct {
	mu       sync.Mutex
	queue    []types.Message
	deleted  []string
	sendErr  error
	received int
	seq      int
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.seq++
	id := "m" + strconv.Itoa(f.seq)
	f.queue = append(f.queue, types.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: in.MessageBody})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	msgs := f.queue
	f.queue = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) enqueueRaw(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, types.Message{MessageId: aws.String("raw"), ReceiptHandle: aws.String("rh-raw"), Body: aws.String(body)})
}

func TestPublisherRecord(t *testing.T) {
	q := &fakeSQS{}
	p := NewPublisher(q, "https://sqs.example/queue")
	evt := domain.TrackedEvent{ID: "e1", Type: domain.EventClick, CampaignID: "c", SubscriberID: "s", URL: "https://x.test", OccurredAt: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, p.Record(context.Background(), evt))
	require.Len(t, q.queue, 1)

	var got domain.TrackedEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(q.queue[0].Body)), &got))
	assert.Equal(t, evt, got)

	q.sendErr = errors.New("throttled")
	assert.Error(t, p.Record(context.Background(), evt))
}

func TestConsumerAppliesAndDeletes(t *testing.T) {
	q := &fakeSQS{}
	sink := newMemSink()
	p := NewPublisher(q, "q")
	require.NoError(t, p.Record(context.Background(), domain.TrackedEvent{ID: "e1", Type: domain.EventOpen, CampaignID: "c", SubscriberID: "s"}))
	q.enqueueRaw("{not json")

	c := NewConsumer(q, "q", sink)
	require.NoError(t, c.receive(context.Background()))

	assert.Len(t, sink.recorded(), 1)
	assert.ElementsMatch(t, []string{"rh-m1", "rh-raw"}, q.deleted)
}

func TestConsumerKeepsMessageWhenSinkFails(t *testing.T) {
	q := &fakeSQS{}
	sink := newMemSink()
	sink.err = errors.New("db down")
	require.NoError(t, NewPublisher(q, "q").Record(context.Background(), domain.TrackedEvent{ID: "e1", Type: domain.EventClick}))

	c := NewConsumer(q, "q", sink)
	require.NoError(t, c.receive(context.Background()))
	assert.Empty(t, q.deleted)
}

func TestConsumerStartStop(t *testing.T) {
	q := &fakeSQS{}
	c := NewConsumer(q, "q", newMemSink())
	c.Start(context.Background())
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.received > 0
	}, time.Second, 5*time.Millisecond)
	c.Stop()
}
