package postgres

import (
	"context"
	"fmt"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/logger"
)

// Record persists a tracked event. Inserts are keyed on the event ID, so a
// redelivered event is a no-op. Opens are first-write-wins per campaign and
// subscriber. Open and click tokens carry no tenant, so those rows take the
// tenant from the campaign and are dropped when the subscriber is not in it.
func (s *Store) Record(ctx context.Context, evt domain.TrackedEvent) error {
	switch evt.Type {
	case domain.EventOpen:
		return s.recordEngagement(ctx, evt, "open_count")
	case domain.EventClick:
		return s.recordEngagement(ctx, evt, "click_count")
	case domain.EventWebView:
		return s.recordWebView(ctx, evt)
	case domain.EventUnsubscribe:
		return s.recordUnsubscribe(ctx, evt)
	default:
		return fmt.Errorf("record event: unknown type %q", evt.Type)
	}
}

const insertEngagement = `
	INSERT INTO mailing_tracking_events
		(id, tenant_id, campaign_id, subscriber_id, event_type, url, ip_address, user_agent, device_type, referer, occurred_at)
	SELECT $1, c.tenant_id, c.id, $3, $4, $5, $6, $7, $8, $9, $10
	FROM mailing_campaigns c
	WHERE c.id = $2
	  AND EXISTS (SELECT 1 FROM mailing_subscribers s WHERE s.tenant_id = c.tenant_id AND s.id = $3)
	ON CONFLICT DO NOTHING`

func (s *Store) recordEngagement(ctx context.Context, evt domain.TrackedEvent, counter string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", evt.Type, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, insertEngagement,
		evt.ID, evt.CampaignID, evt.SubscriberID, string(evt.Type), nullString(evt.URL),
		nullString(evt.Client.IPAddress), nullString(evt.Client.UserAgent),
		nullString(evt.Client.DeviceType), nullString(evt.Client.Referer), evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert %s: %w", evt.Type, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Repeat open, redelivery, or a campaign/subscriber pair that does not exist.
		logger.Debug("tracking event not inserted", "event_type", string(evt.Type),
			"campaign_id", evt.CampaignID, "subscriber_id", evt.SubscriberID)
		return nil
	}

	// counter is one of a fixed set of column names, never user input.
	if _, err := tx.ExecContext(ctx,
		`UPDATE mailing_campaigns SET `+counter+` = `+counter+` + 1, updated_at = NOW() WHERE id = $1`,
		evt.CampaignID); err != nil {
		return fmt.Errorf("bump %s: %w", counter, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", evt.Type, err)
	}
	return nil
}

const insertScoped = `
	INSERT INTO mailing_tracking_events
		(id, tenant_id, campaign_id, subscriber_id, event_type, ip_address, user_agent, device_type, referer, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT DO NOTHING`

func scopedArgs(evt domain.TrackedEvent) []interface{} {
	return []interface{}{
		evt.ID, evt.TenantID, nullString(evt.CampaignID), evt.SubscriberID, string(evt.Type),
		nullString(evt.Client.IPAddress), nullString(evt.Client.UserAgent),
		nullString(evt.Client.DeviceType), nullString(evt.Client.Referer), evt.OccurredAt,
	}
}

func (s *Store) recordWebView(ctx context.Context, evt domain.TrackedEvent) error {
	if _, err := s.db.ExecContext(ctx, insertScoped, scopedArgs(evt)...); err != nil {
		return fmt.Errorf("insert webview: %w", err)
	}
	return nil
}

// recordUnsubscribe flips the subscriber to unsubscribed within its tenant and
// logs the event, counting it against the campaign when one is known. Unknown
// subscribers are ignored.
func (s *Store) recordUnsubscribe(ctx context.Context, evt domain.TrackedEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unsubscribe: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mailing_subscribers
		SET status = 'unsubscribed',
		    unsubscribed_at = COALESCE(unsubscribed_at, $3),
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, evt.SubscriberID, evt.TenantID, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logger.Warn("unsubscribe for unknown subscriber", "tenant_id", evt.TenantID, "subscriber_id", evt.SubscriberID)
		return nil
	}

	if _, err := tx.ExecContext(ctx, insertScoped, scopedArgs(evt)...); err != nil {
		return fmt.Errorf("insert unsubscribe: %w", err)
	}
	if evt.CampaignID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mailing_campaigns
			SET unsubscribe_count = unsubscribe_count + 1, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, evt.CampaignID, evt.TenantID); err != nil {
			return fmt.Errorf("bump unsubscribe_count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unsubscribe: %w", err)
	}
	return nil
}
