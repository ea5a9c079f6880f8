// Package tracking serves the links embedded in sent mail: the open pixel,
// click redirects, unsubscribe and the web version. Every request follows the
// same path: decode the token, validate it, record the event, then act.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/instrument"
	"github.com/ignite/mailtrack/internal/metrics"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/pkg/netguard"
	"github.com/ignite/mailtrack/internal/token"
)

// EventSink persists tracked events. Implementations must treat a repeated
// open for the same campaign and subscriber as a no-op, and must mark the
// subscriber unsubscribed (scoped by tenant) when recording an unsubscribe.
type EventSink interface {
	Record(ctx context.Context, evt domain.TrackedEvent) error
}

// ContentStore loads what the web version needs. Both lookups are tenant
// scoped and return domain.ErrNotFound for rows outside the tenant.
type ContentStore interface {
	Campaign(ctx context.Context, tenantID, id string) (*domain.Campaign, error)
	Subscriber(ctx context.Context, tenantID, id string) (*domain.Subscriber, error)
}

// URLChecker vets click destinations. *netguard.Guard satisfies it.
type URLChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// Deps wires a Service.
type Deps struct {
	Codec   *token.Codec
	Guard   URLChecker
	Sink    EventSink
	Content ContentStore
	Engine  *instrument.Engine
	Metrics *metrics.Metrics
	// BaseURL is the public root the tracking routes are served under.
	BaseURL string
}

// Service implements the four tracking operations independent of HTTP.
type Service struct {
	codec   *token.Codec
	guard   URLChecker
	sink    EventSink
	content ContentStore
	engine  *instrument.Engine
	metrics *metrics.Metrics
	baseURL string

	now   func() time.Time
	newID func() string
}

// NewService creates a Service. A nil Guard gets a netguard.Guard on the
// system resolver and a nil Engine one built on the same codec.
func NewService(d Deps) *Service {
	if d.Guard == nil {
		d.Guard = netguard.New(nil, netguard.DefaultTimeout)
	}
	if d.Engine == nil {
		d.Engine = instrument.NewEngine(d.Codec)
	}
	return &Service{
		codec:   d.Codec,
		guard:   d.Guard,
		sink:    d.Sink,
		content: d.Content,
		engine:  d.Engine,
		metrics: d.Metrics,
		baseURL: strings.TrimRight(d.BaseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// Open records the first open of a campaign by a subscriber. The error is
// informational; callers serve the pixel regardless.
func (s *Service) Open(ctx context.Context, tok string, meta domain.ClientMeta) error {
	p, err := s.codec.DecodeOpen(tok)
	if err != nil {
		s.invalid(domain.EventOpen, tok)
		return ErrInvalidToken
	}
	evt := s.event(domain.EventOpen, meta)
	evt.CampaignID = p.CampaignID
	evt.SubscriberID = p.SubscriberID

	if err := s.record(ctx, evt); err != nil {
		return err
	}
	logger.Debug("open recorded", "campaign_id", p.CampaignID, "subscriber_id", p.SubscriberID)
	return nil
}

// Click validates the destination and records the click, returning where to
// redirect. A destination that fails the network guard is never recorded.
func (s *Service) Click(ctx context.Context, tok string, meta domain.ClientMeta) (string, error) {
	p, err := s.codec.DecodeClick(tok)
	if err != nil {
		s.invalid(domain.EventClick, tok)
		return "", ErrInvalidToken
	}

	if err := s.guard.Check(ctx, p.URL); err != nil {
		s.metrics.Event(string(domain.EventClick), metrics.OutcomeBlocked)
		reason := err.Error()
		var be *netguard.BlockedError
		if errors.As(err, &be) {
			reason = be.Reason
		}
		logger.Security("blocked click destination",
			"campaign_id", p.CampaignID,
			"subscriber_id", p.SubscriberID,
			"destination", p.URL,
			"reason", reason,
			"ip", meta.IPAddress)
		return "", fmt.Errorf("%w: %s", ErrBlockedDestination, reason)
	}

	evt := s.event(domain.EventClick, meta)
	evt.CampaignID = p.CampaignID
	evt.SubscriberID = p.SubscriberID
	evt.URL = p.URL
	// Sink failures are logged; the redirect still happens.
	_ = s.record(ctx, evt)
	return p.URL, nil
}

// Unsubscribe records the unsubscribe and flips the subscriber's status.
// Unlike the other operations, a sink failure is returned to the caller.
func (s *Service) Unsubscribe(ctx context.Context, tok string, meta domain.ClientMeta) error {
	p, err := s.codec.DecodeUnsubscribe(tok)
	if err != nil {
		s.invalid(domain.EventUnsubscribe, tok)
		return ErrInvalidToken
	}
	evt := s.event(domain.EventUnsubscribe, meta)
	evt.TenantID = p.TenantID
	evt.SubscriberID = p.SubscriberID

	if err := s.record(ctx, evt); err != nil {
		return err
	}
	logger.Info("subscriber unsubscribed", "tenant_id", p.TenantID, "subscriber_id", p.SubscriberID)
	return nil
}

// WebVersion renders the campaign as the subscriber received it, minus click
// tracking and the pixel, with a banner on top.
func (s *Service) WebVersion(ctx context.Context, tok string, meta domain.ClientMeta) (string, error) {
	p, err := s.codec.DecodeWebVersion(tok)
	if err != nil {
		s.invalid(domain.EventWebView, tok)
		return "", ErrInvalidToken
	}
	if s.content == nil {
		// Publish-only deployments have no content store.
		s.metrics.Event(string(domain.EventWebView), metrics.OutcomeNotFound)
		return "", fmt.Errorf("%w: web version unavailable", ErrNotFound)
	}

	campaign, err := s.content.Campaign(ctx, p.TenantID, p.CampaignID)
	if err != nil {
		return "", s.lookupErr(err, "campaign", p.CampaignID)
	}
	sub, err := s.content.Subscriber(ctx, p.TenantID, p.SubscriberID)
	if err != nil {
		return "", s.lookupErr(err, "subscriber", p.SubscriberID)
	}

	evt := s.event(domain.EventWebView, meta)
	evt.TenantID = p.TenantID
	evt.CampaignID = p.CampaignID
	evt.SubscriberID = p.SubscriberID
	_ = s.record(ctx, evt)

	ic := domain.InstrumentationContext{
		CampaignID:      campaign.ID,
		SubscriberID:    sub.ID,
		TenantID:        p.TenantID,
		TrackingBaseURL: s.baseURL,
	}
	data := instrument.MergeData{
		FirstName:    sub.FirstName,
		LastName:     sub.LastName,
		Email:        sub.Email,
		CampaignName: campaign.Name,
	}
	body := s.engine.RenderWebVersion(ic, data, campaign.Body())
	return webPage(body), nil
}

func (s *Service) event(t domain.TrackingEventType, meta domain.ClientMeta) domain.TrackedEvent {
	return domain.TrackedEvent{
		ID:         s.newID(),
		Type:       t,
		Client:     meta,
		OccurredAt: s.now(),
	}
}

func (s *Service) record(ctx context.Context, evt domain.TrackedEvent) error {
	if err := s.sink.Record(ctx, evt); err != nil {
		s.metrics.SinkFailure(string(evt.Type))
		s.metrics.Event(string(evt.Type), metrics.OutcomeError)
		logger.Error("tracking event not recorded",
			"event_type", string(evt.Type),
			"campaign_id", evt.CampaignID,
			"subscriber_id", evt.SubscriberID,
			"error", err.Error())
		return fmt.Errorf("record %s event: %w", evt.Type, err)
	}
	s.metrics.Event(string(evt.Type), metrics.OutcomeRecorded)
	return nil
}

func (s *Service) invalid(t domain.TrackingEventType, tok string) {
	s.metrics.Event(string(t), metrics.OutcomeInvalid)
	logger.Debug("invalid tracking token", "event_type", string(t), "token", tok)
}

func (s *Service) lookupErr(err error, what, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		s.metrics.Event(string(domain.EventWebView), metrics.OutcomeNotFound)
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	logger.Error("web version lookup failed", "entity", what, "id", id, "error", err.Error())
	return fmt.Errorf("load %s: %w", what, err)
}

const webBanner = `<div style="background:#f4f4f4;color:#555;font:13px Arial,sans-serif;` +
	`text-align:center;padding:8px;border-bottom:1px solid #ddd;">` +
	`You are viewing this email in your browser.</div>`

var bodyOpenRe = regexp.MustCompile(`(?i)<body\b[^>]*>`)

func webPage(body domain.EmailBody) string {
	doc := body.HTML
	if strings.TrimSpace(doc) == "" {
		doc = `<pre style="white-space:pre-wrap;font:14px/1.5 monospace;">` + html.EscapeString(body.Text) + `</pre>`
	}
	if loc := bodyOpenRe.FindStringIndex(doc); loc != nil {
		return doc[:loc[1]] + webBanner + doc[loc[1]:]
	}
	return `<!DOCTYPE html><html><head><meta charset="utf-8"><title>` + html.EscapeString(body.Subject) +
		`</title></head><body>` + webBanner + doc + `</body></html>`
}
