package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/mailtrack/internal/domain"
)

const subscriberColumns = `id, tenant_id, email, COALESCE(first_name,''), COALESCE(last_name,''), status, unsubscribed_at`

// Subscriber loads one subscriber scoped to its tenant.
func (s *Store) Subscriber(ctx context.Context, tenantID, id string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriberColumns+`
		FROM mailing_subscribers
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

// ActiveSubscribers lists a tenant's active subscribers. When ids is non-empty
// only those subscribers are considered.
func (s *Store) ActiveSubscribers(ctx context.Context, tenantID string, ids ...string) ([]domain.Subscriber, error) {
	q := `
		SELECT ` + subscriberColumns + `
		FROM mailing_subscribers
		WHERE tenant_id = $1 AND status = 'active'`
	args := []interface{}{tenantID}
	if len(ids) > 0 {
		q += ` AND id = ANY($2)`
		args = append(args, pq.Array(ids))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row scanner) (*domain.Subscriber, error) {
	sub := &domain.Subscriber{}
	var status string
	var unsubscribedAt pq.NullTime
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.Email, &sub.FirstName, &sub.LastName, &status, &unsubscribedAt); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriberStatus(status)
	if unsubscribedAt.Valid {
		t := unsubscribedAt.Time
		sub.UnsubscribedAt = &t
	}
	return sub, nil
}
