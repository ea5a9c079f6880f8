// Package sending defines how instrumented messages leave the platform.
//
// The dispatcher is transport-agnostic: SESTransport delivers through AWS SES
// and LogTransport only logs, for local runs and dry runs.
package sending

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/logger"
)

// Transport sends one message and returns the provider's message ID.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (string, error)
}

// ErrNoRecipient is returned for a message without a To address.
var ErrNoRecipient = errors.New("message has no recipient")

// LogTransport accepts every message and logs it instead of sending.
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, msg *domain.OutboundMessage) (string, error) {
	if msg.To == "" {
		return "", ErrNoRecipient
	}
	id := uuid.NewString()
	logger.Info("message accepted by log transport",
		"message_id", id,
		"email", msg.To,
		"campaign_id", msg.CampaignID,
		"subscriber_id", msg.SubscriberID,
		"subject", msg.Subject)
	return id, nil
}
