package domain

import "time"

// TrackingEventType enumerates the recipient interactions the core records.
type TrackingEventType string

const (
	EventOpen        TrackingEventType = "open"
	EventClick       TrackingEventType = "click"
	EventUnsubscribe TrackingEventType = "unsubscribe"
	EventWebView     TrackingEventType = "webview"
)

// ClientMeta describes the user agent behind a tracking request.
type ClientMeta struct {
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Referer    string `json:"referer,omitempty"`
}

// TrackedEvent is emitted once per successfully validated tracking request.
// TenantID may be empty for open and click events, whose tokens do not carry
// it; the store resolves it from the campaign.
type TrackedEvent struct {
	ID           string            `json:"id"`
	Type         TrackingEventType `json:"event_type"`
	TenantID     string            `json:"tenant_id,omitempty"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	SubscriberID string            `json:"subscriber_id"`
	URL          string            `json:"url,omitempty"`
	Client       ClientMeta        `json:"client"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
