package domain

// EmailBody is the content that flows through the instrumentation passes.
// Text is optional.
type EmailBody struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// InstrumentationContext identifies one rendered copy of a campaign. It is
// built per send and never persisted.
type InstrumentationContext struct {
	CampaignID      string
	SubscriberID    string
	TenantID        string
	TrackingBaseURL string
}

// OutboundMessage is the fully-resolved message handed to a mail transport.
// By the time a message reaches this struct, merge tags, tracking links and
// the List-Unsubscribe headers are all in place.
type OutboundMessage struct {
	To       string            `json:"to"`
	From     string            `json:"from"`
	FromName string            `json:"from_name"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html"`
	Text     string            `json:"text,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// Used for transport-side tagging only.
	CampaignID   string `json:"campaign_id"`
	SubscriberID string `json:"subscriber_id"`
}
