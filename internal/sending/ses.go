package sending

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/codeGROOVE-dev/retry"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/logger"
)

// SESAPI is the subset of *sesv2.Client the transport uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures an SES transport.
type SESConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
	Attempts         uint
	RetryDelay       time.Duration
}

// SESTransport sends through the SES v2 API, retrying throttling and server
// faults with jittered backoff.
type SESTransport struct {
	client   SESAPI
	cfgSet   string
	attempts uint
	delay    time.Duration
}

// NewSESTransport builds an SES client. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewSESTransport(ctx context.Context, cfg SESConfig) (*SESTransport, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewSESTransportWithClient wraps an existing client.
func NewSESTransportWithClient(client SESAPI, cfg SESConfig) *SESTransport {
	t := &SESTransport{
		client:   client,
		cfgSet:   cfg.ConfigurationSet,
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
	}
	if t.attempts == 0 {
		t.attempts = 3
	}
	if t.delay <= 0 {
		t.delay = time.Second
	}
	return t
}

func (t *SESTransport) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	input := buildSESInput(msg, t.cfgSet)

	var messageID string
	err := retry.Do(
		func() error {
			out, err := t.client.SendEmail(ctx, input)
			if err != nil {
				return err
			}
			messageID = aws.ToString(out.MessageId)
			return nil
		},
		retry.Attempts(t.attempts),
		retry.Delay(t.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(t.delay),
		retry.Context(ctx),
		retry.RetryIf(retryableSESError),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("ses send retry",
				"attempt", n+1,
				"email", msg.To,
				"campaign_id", msg.CampaignID,
				"error", err.Error())
		}),
	)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	logger.Debug("ses message sent", "message_id", messageID, "email", msg.To)
	return messageID, nil
}

func buildSESInput(msg *domain.OutboundMessage, cfgSet string) *sesv2.SendEmailInput {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	simple := &types.Message{
		Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
		Body: &types.Body{
			Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
		},
	}
	if msg.Text != "" {
		simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		simple.Headers = append(simple.Headers, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(msg.Headers[name]),
		})
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content:          &types.EmailContent{Simple: simple},
	}
	if msg.CampaignID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)})
	}
	if msg.SubscriberID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID)})
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if cfgSet != "" {
		input.ConfigurationSetName = aws.String(cfgSet)
	}
	return input
}

// retryableSESError retries throttling, server faults and transport errors,
// but never a request SES rejected as invalid.
func retryableSESError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}
