package domain

// Campaign is the read model of a campaign as the tracking core needs it:
// identity, tenant scope, sender details and the template to instrument.
type Campaign struct {
	ID          string `json:"id" db:"id"`
	TenantID    string `json:"tenant_id" db:"tenant_id"`
	Name        string `json:"name" db:"name"`
	Subject     string `json:"subject" db:"subject"`
	FromName    string `json:"from_name" db:"from_name"`
	FromEmail   string `json:"from_email" db:"from_email"`
	ReplyTo     string `json:"reply_to" db:"reply_to"`
	HTMLContent string `json:"html_content" db:"html_content"`
	TextContent string `json:"text_content" db:"text_content"`
}

// Body returns the campaign template as an EmailBody ready for instrumentation.
func (c Campaign) Body() EmailBody {
	return EmailBody{Subject: c.Subject, HTML: c.HTMLContent, Text: c.TextContent}
}
