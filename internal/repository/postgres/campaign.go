package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/mailtrack/internal/domain"
)

// Campaign loads a campaign scoped to its tenant.
func (s *Store) Campaign(ctx context.Context, tenantID, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, subject, from_name, from_email,
		       COALESCE(reply_to,''), COALESCE(html_content,''), COALESCE(text_content,'')
		FROM mailing_campaigns
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.TextContent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}
