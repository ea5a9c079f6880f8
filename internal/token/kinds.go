package token

// Kind names a tracking token flavor.
type Kind string

const (
	KindOpen        Kind = "open"
	KindClick       Kind = "click"
	KindUnsubscribe Kind = "unsubscribe"
	KindWebVersion  Kind = "webview"
)

// Payload is implemented only by the token variants in this package. Field
// order inside each variant's fields method is the wire layout.
type Payload interface {
	Kind() Kind
	fields() []string
}

// Open identifies the recipient of an open-tracking pixel.
type Open struct {
	CampaignID   string
	SubscriberID string
}

// Click identifies a tracked link and its original destination. The URL is
// carried verbatim; destination policy is applied where the click lands.
type Click struct {
	CampaignID   string
	SubscriberID string
	URL          string
}

// Unsubscribe is scoped to a tenant so it can only act on that tenant's subscriber.
type Unsubscribe struct {
	SubscriberID string
	TenantID     string
}

// WebVersion grants a read-only browser render of a campaign for one subscriber.
type WebVersion struct {
	CampaignID   string
	SubscriberID string
	TenantID     string
}

func (Open) Kind() Kind        { return KindOpen }
func (Click) Kind() Kind       { return KindClick }
func (Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (WebVersion) Kind() Kind  { return KindWebVersion }

func (p Open) fields() []string        { return []string{p.CampaignID, p.SubscriberID} }
func (p Click) fields() []string       { return []string{p.CampaignID, p.SubscriberID, p.URL} }
func (p Unsubscribe) fields() []string { return []string{p.SubscriberID, p.TenantID} }
func (p WebVersion) fields() []string  { return []string{p.CampaignID, p.SubscriberID, p.TenantID} }

// Encode mints a token for any payload variant.
func (c *Codec) Encode(p Payload) string {
	return c.Generate(p.fields()...)
}

// EncodeOpen mints an open-tracking token.
func (c *Codec) EncodeOpen(campaignID, subscriberID string) string {
	return c.Encode(Open{CampaignID: campaignID, SubscriberID: subscriberID})
}

// EncodeClick mints a click-tracking token for the original destination.
func (c *Codec) EncodeClick(campaignID, subscriberID, destination string) string {
	return c.Encode(Click{CampaignID: campaignID, SubscriberID: subscriberID, URL: destination})
}

// EncodeUnsubscribe mints a tenant-scoped unsubscribe token.
func (c *Codec) EncodeUnsubscribe(subscriberID, tenantID string) string {
	return c.Encode(Unsubscribe{SubscriberID: subscriberID, TenantID: tenantID})
}

// EncodeWebVersion mints a tenant-scoped web-version token.
func (c *Codec) EncodeWebVersion(campaignID, subscriberID, tenantID string) string {
	return c.Encode(WebVersion{CampaignID: campaignID, SubscriberID: subscriberID, TenantID: tenantID})
}

// DecodeOpen reads an open-tracking token.
func (c *Codec) DecodeOpen(tok string) (Open, error) {
	f, err := c.fieldsAtLeast(tok, 2)
	if err != nil {
		return Open{}, err
	}
	return Open{CampaignID: f[0], SubscriberID: f[1]}, nil
}

// DecodeClick reads a click-tracking token.
func (c *Codec) DecodeClick(tok string) (Click, error) {
	f, err := c.fieldsAtLeast(tok, 3)
	if err != nil {
		return Click{}, err
	}
	return Click{CampaignID: f[0], SubscriberID: f[1], URL: f[2]}, nil
}

// DecodeUnsubscribe reads an unsubscribe token. Tokens without a tenant are
// rejected even when their layout is otherwise well formed.
func (c *Codec) DecodeUnsubscribe(tok string) (Unsubscribe, error) {
	f, err := c.fieldsAtLeast(tok, 2)
	if err != nil {
		return Unsubscribe{}, err
	}
	p := Unsubscribe{SubscriberID: f[0], TenantID: f[1]}
	if p.TenantID == "" {
		return Unsubscribe{}, ErrInvalid
	}
	return p, nil
}

// DecodeWebVersion reads a web-version token, rejecting tenant-less tokens.
func (c *Codec) DecodeWebVersion(tok string) (WebVersion, error) {
	f, err := c.fieldsAtLeast(tok, 3)
	if err != nil {
		return WebVersion{}, err
	}
	p := WebVersion{CampaignID: f[0], SubscriberID: f[1], TenantID: f[2]}
	if p.TenantID == "" {
		return WebVersion{}, ErrInvalid
	}
	return p, nil
}

// fieldsAtLeast requires n semantic fields, i.e. n+1 raw parts with the expiry.
func (c *Codec) fieldsAtLeast(tok string, n int) ([]string, error) {
	f, err := c.Fields(tok)
	if err != nil {
		return nil, ErrInvalid
	}
	if len(f) < n {
		return nil, ErrInvalid
	}
	return f, nil
}
