package sending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrack/internal/domain"
)

type fakeSES struct {
	mu     sync.Mutex
	errs   []error
	inputs []*sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func testMessage() *domain.OutboundMessage {
	return &domain.OutboundMessage{
		To:       "ada@example.com",
		From:     "news@acme.test",
		FromName: "Acme",
		ReplyTo:  "support@acme.test",
		Subject:  "Hello",
		HTML:     "<p>Hi</p>",
		Text:     "Hi",
		Headers: map[string]string{
			"List-Unsubscribe":      "<https://t.example.com/unsubscribe/abc>",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
		CampaignID:   "c1",
		SubscriberID: "s1",
	}
}

func newTestSES(f *fakeSES) *SESTransport {
	return NewSESTransportWithClient(f, SESConfig{ConfigurationSet: "tracking", Attempts: 3, RetryDelay: time.Millisecond})
}

func TestSESTransportBuildsMessage(t *testing.T) {
	f := &fakeSES{}
	id, err := newTestSES(f).Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", id)

	require.Len(t, f.inputs, 1)
	in := f.inputs[0]
	assert.Equal(t, "Acme <news@acme.test>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"support@acme.test"}, in.ReplyToAddresses)
	assert.Equal(t, "tracking", aws.ToString(in.ConfigurationSetName))
	assert.Equal(t, "<p>Hi</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, "Hi", aws.ToString(in.Content.Simple.Body.Text.Data))

	require.Len(t, in.Content.Simple.Headers, 2)
	assert.Equal(t, "List-Unsubscribe", aws.ToString(in.Content.Simple.Headers[0].Name))
	assert.Equal(t, "List-Unsubscribe=One-Click", aws.ToString(in.Content.Simple.Headers[1].Value))
	assert.Len(t, in.EmailTags, 2)
}

func TestSESTransportRetriesThrottling(t *testing.T) {
	f := &fakeSES{errs: []error{
		&smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"},
		errors.New("connection reset by peer"),
	}}
	id, err := newTestSES(f).Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", id)
	assert.Len(t, f.inputs, 3)
}

func TestSESTransportDoesNotRetryRejections(t *testing.T) {
	f := &fakeSES{errs: []error{
		&smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified", Fault: smithy.FaultClient},
	}}
	_, err := newTestSES(f).Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Len(t, f.inputs, 1)
}

func TestSESTransportGivesUp(t *testing.T) {
	boom := &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer}
	f := &fakeSES{errs: []error{boom, boom, boom, boom}}
	_, err := newTestSES(f).Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Len(t, f.inputs, 3)
}

func TestTransportsRejectMissingRecipient(t *testing.T) {
	_, err := newTestSES(&fakeSES{}).Send(context.Background(), &domain.OutboundMessage{})
	assert.ErrorIs(t, err, ErrNoRecipient)
	_, err = LogTransport{}.Send(context.Background(), &domain.OutboundMessage{})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestLogTransport(t *testing.T) {
	id, err := LogTransport{}.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Len(t, id, 36)
}
