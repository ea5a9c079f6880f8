package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrack/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

var occurred = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecordOpenFirstWriteWins(t *testing.T) {
	s, mock := newMockStore(t)
	evt := domain.TrackedEvent{ID: "e1", Type: domain.EventOpen, CampaignID: "c1", SubscriberID: "s1", OccurredAt: occurred}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mailing_tracking_events").
		WithArgs("e1", "c1", "s1", "open", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE mailing_campaigns SET open_count = open_count \\+ 1").
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Record(context.Background(), evt))

	// Second open hits the partial unique index: nothing inserted, no counter bump.
	evt.ID = "e2"
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mailing_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	require.NoError(t, s.Record(context.Background(), evt))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordClickResolvesTenantFromCampaign(t *testing.T) {
	s, mock := newMockStore(t)
	evt := domain.TrackedEvent{
		ID: "e1", Type: domain.EventClick, CampaignID: "c1", SubscriberID: "s1",
		URL: "https://x.test", OccurredAt: occurred,
		Client: domain.ClientMeta{IPAddress: "198.51.100.1", DeviceType: "mobile"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT \\$1, c.tenant_id, c.id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE mailing_campaigns SET click_count = click_count \\+ 1").
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Record(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertErrorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mailing_tracking_events").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Record(context.Background(), domain.TrackedEvent{ID: "e1", Type: domain.EventClick, CampaignID: "c1", SubscriberID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert click")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnsubscribeIsTenantScoped(t *testing.T) {
	s, mock := newMockStore(t)
	evt := domain.TrackedEvent{ID: "e1", Type: domain.EventUnsubscribe, TenantID: "t1", SubscriberID: "s1", OccurredAt: occurred}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE mailing_subscribers").
		WithArgs("s1", "t1", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mailing_tracking_events").
		WithArgs("e1", "t1", sqlmock.AnyArg(), "s1", "unsubscribe", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Record(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnsubscribeBumpsCampaignCounter(t *testing.T) {
	s, mock := newMockStore(t)
	evt := domain.TrackedEvent{ID: "e1", Type: domain.EventUnsubscribe, TenantID: "t1", CampaignID: "c1", SubscriberID: "s1", OccurredAt: occurred}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE mailing_subscribers").
		WithArgs("s1", "t1", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mailing_tracking_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET unsubscribe_count = unsubscribe_count \\+ 1").
		WithArgs("c1", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Record(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnsubscribeUnknownSubscriber(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE mailing_subscribers").
		WithArgs("s1", "other-tenant", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Record(context.Background(), domain.TrackedEvent{ID: "e1", Type: domain.EventUnsubscribe, TenantID: "other-tenant", SubscriberID: "s1"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWebView(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO mailing_tracking_events").
		WithArgs("e1", "t1", sqlmock.AnyArg(), "s1", "webview", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), domain.TrackedEvent{ID: "e1", Type: domain.EventWebView, TenantID: "t1", CampaignID: "c1", SubscriberID: "s1", OccurredAt: occurred})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUnknownType(t *testing.T) {
	s, _ := newMockStore(t)
	assert.Error(t, s.Record(context.Background(), domain.TrackedEvent{Type: "bounce"}))
}

func TestCampaignLookup(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "tenant_id", "name", "subject", "from_name", "from_email", "reply_to", "html_content", "text_content"}

	mock.ExpectQuery("FROM mailing_campaigns").
		WithArgs("c1", "t1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "t1", "Launch", "Hi", "Acme", "news@acme.test", "", "<p>x</p>", "x"))
	c, err := s.Campaign(context.Background(), "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Launch", c.Name)
	assert.Equal(t, "<p>x</p>", c.HTMLContent)

	mock.ExpectQuery("FROM mailing_campaigns").
		WithArgs("c1", "t2").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.Campaign(context.Background(), "t2", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

var subscriberCols = []string{"id", "tenant_id", "email", "first_name", "last_name", "status", "unsubscribed_at"}

func TestSubscriberLookup(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM mailing_subscribers").
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows(subscriberCols).AddRow("s1", "t1", "ada@example.com", "Ada", "", "unsubscribed", occurred))

	sub, err := s.Subscriber(context.Background(), "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriberUnsubscribed, sub.Status)
	require.NotNil(t, sub.UnsubscribedAt)
	assert.True(t, sub.UnsubscribedAt.Equal(occurred))

	mock.ExpectQuery("FROM mailing_subscribers").
		WithArgs("t1", "missing").
		WillReturnRows(sqlmock.NewRows(subscriberCols))
	_, err = s.Subscriber(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveSubscribers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("WHERE tenant_id = \\$1 AND status = 'active' ORDER BY id").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(subscriberCols).
			AddRow("s1", "t1", "a@example.com", "A", "", "active", nil).
			AddRow("s2", "t1", "b@example.com", "B", "", "active", nil))

	subs, err := s.ActiveSubscribers(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "b@example.com", subs[1].Email)
	assert.Nil(t, subs[1].UnsubscribedAt)

	mock.ExpectQuery("AND id = ANY\\(\\$2\\)").
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(subscriberCols).AddRow("s2", "t1", "b@example.com", "B", "", "active", nil))
	subs, err = s.ActiveSubscribers(context.Background(), "t1", "s2")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}
