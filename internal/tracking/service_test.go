package tracking

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/metrics"
	"github.com/ignite/mailtrack/internal/pkg/netguard"
	"github.com/ignite/mailtrack/internal/token"
)

// memSink is an in-memory EventSink with the store's open and unsubscribe
// semantics.
type memSink struct {
	mu       sync.Mutex
	events   []domain.TrackedEvent
	opened   map[string]bool
	statuses map[string]domain.SubscriberStatus
	err      error
}

func newMemSink() *memSink {
	return &memSink{opened: map[string]bool{}, statuses: map[string]domain.SubscriberStatus{}}
}

func (m *memSink) Record(ctx context.Context, evt domain.TrackedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	switch evt.Type {
	case domain.EventOpen:
		key := evt.CampaignID + "/" + evt.SubscriberID
		if m.opened[key] {
			return nil
		}
		m.opened[key] = true
	case domain.EventUnsubscribe:
		m.statuses[evt.TenantID+"/"+evt.SubscriberID] = domain.SubscriberUnsubscribed
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *memSink) recorded() []domain.TrackedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TrackedEvent(nil), m.events...)
}

type memContent struct {
	campaigns   map[string]*domain.Campaign
	subscribers map[string]*domain.Subscriber
}

func (m *memContent) Campaign(ctx context.Context, tenantID, id string) (*domain.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (m *memContent) Subscriber(ctx context.Context, tenantID, id string) (*domain.Subscriber, error) {
	s, ok := m.subscribers[id]
	if !ok || s.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// staticResolver maps each known host to one address.
type staticResolver map[string]string

func (r staticResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

type fixture struct {
	svc     *Service
	codec   *token.Codec
	sink    *memSink
	content *memContent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec := token.NewCodec([]byte("tracking-test-secret"))
	sink := newMemSink()
	content := &memContent{
		campaigns: map[string]*domain.Campaign{
			"camp-1": {
				ID: "camp-1", TenantID: "tenant-1", Name: "Spring Sale",
				Subject:     "Hi {{first_name}}",
				HTMLContent: `<html><body><p>Hello {{first_name}}</p><a href="https://shop.example.com">shop</a><a href="{{unsubscribe_url}}">unsubscribe</a></body></html>`,
			},
		},
		subscribers: map[string]*domain.Subscriber{
			"sub-1": {ID: "sub-1", TenantID: "tenant-1", Email: "ada@example.com", FirstName: "Ada"},
		},
	}
	guard := netguard.New(staticResolver{
		"shop.example.com":     "93.184.216.34",
		"internal.example.com": "10.0.0.7",
	}, time.Second)

	svc := NewService(Deps{
		Codec:   codec,
		Guard:   guard,
		Sink:    sink,
		Content: content,
		Metrics: metrics.MustNew(prometheus.NewRegistry()),
		BaseURL: "https://t.example.com/",
	})
	return &fixture{svc: svc, codec: codec, sink: sink, content: content}
}

var meta = domain.ClientMeta{IPAddress: "203.0.113.9", UserAgent: "Mozilla/5.0 (iPhone)", DeviceType: "mobile"}

func TestServiceOpenIsFirstWriteWins(t *testing.T) {
	f := newFixture(t)
	tok := f.codec.EncodeOpen("camp-1", "sub-1")

	require.NoError(t, f.svc.Open(context.Background(), tok, meta))
	require.NoError(t, f.svc.Open(context.Background(), tok, meta))

	events := f.sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOpen, events[0].Type)
	assert.Equal(t, "camp-1", events[0].CampaignID)
	assert.Equal(t, "sub-1", events[0].SubscriberID)
	assert.Equal(t, meta, events[0].Client)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())
}

func TestServiceOpenInvalidRecordsNothing(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Open(context.Background(), "garbage", meta)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Empty(t, f.sink.recorded())
}

func TestServiceClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dest, err := f.svc.Click(ctx, f.codec.EncodeClick("camp-1", "sub-1", "https://shop.example.com/p?id=7"), meta)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/p?id=7", dest)

	_, err = f.svc.Click(ctx, f.codec.EncodeClick("camp-1", "sub-1", "https://shop.example.com/p?id=7"), meta)
	require.NoError(t, err)

	events := f.sink.recorded()
	require.Len(t, events, 2, "clicks append")
	assert.Equal(t, "https://shop.example.com/p?id=7", events[0].URL)
}

func TestServiceClickBlocksInternalDestinations(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{
		"http://127.0.0.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://10.1.1.1/",
		"http://192.168.1.1/",
		"http://[::1]/",
		"https://internal.example.com/",
		"https://unresolvable.example.com/",
	} {
		_, err := f.svc.Click(context.Background(), f.codec.EncodeClick("camp-1", "sub-1", u), meta)
		assert.ErrorIs(t, err, ErrBlockedDestination, u)
	}
	assert.Empty(t, f.sink.recorded())
}

func TestServiceClickInvalidAndForged(t *testing.T) {
	f := newFixture(t)
	other := token.NewCodec([]byte("someone-else"))

	_, err := f.svc.Click(context.Background(), other.EncodeClick("camp-1", "sub-1", "https://shop.example.com"), meta)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = f.svc.Click(context.Background(), "", meta)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceClickRedirectsWhenSinkFails(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("db down")
	dest, err := f.svc.Click(context.Background(), f.codec.EncodeClick("camp-1", "sub-1", "https://shop.example.com"), meta)
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com", dest)
}

func TestServiceUnsubscribe(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Unsubscribe(context.Background(), f.codec.EncodeUnsubscribe("sub-1", "tenant-1"), meta))

	assert.Equal(t, domain.SubscriberUnsubscribed, f.sink.statuses["tenant-1/sub-1"])
	events := f.sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "tenant-1", events[0].TenantID)
	assert.Empty(t, events[0].CampaignID)
}

func TestServiceUnsubscribeRejectsTenantlessToken(t *testing.T) {
	f := newFixture(t)
	tok := f.codec.Generate("sub-1", "")
	assert.ErrorIs(t, f.svc.Unsubscribe(context.Background(), tok, meta), ErrInvalidToken)
	assert.Empty(t, f.sink.recorded())
}

func TestServiceUnsubscribeSurfacesSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("db down")
	err := f.svc.Unsubscribe(context.Background(), f.codec.EncodeUnsubscribe("sub-1", "tenant-1"), meta)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

func TestServiceWebVersion(t *testing.T) {
	f := newFixture(t)
	page, err := f.svc.WebVersion(context.Background(), f.codec.EncodeWebVersion("camp-1", "sub-1", "tenant-1"), meta)
	require.NoError(t, err)

	assert.Contains(t, page, "You are viewing this email in your browser.")
	assert.Contains(t, page, "<p>Hello Ada</p>")
	assert.Contains(t, page, `<a href="https://shop.example.com">shop</a>`)
	assert.Contains(t, page, "https://t.example.com/unsubscribe/")
	assert.NotContains(t, page, "/track/")
	assert.Less(t, strings.Index(page, "<body>"), strings.Index(page, "You are viewing"))

	events := f.sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventWebView, events[0].Type)
}

func TestServiceWebVersionIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.WebVersion(context.Background(), f.codec.EncodeWebVersion("camp-1", "sub-1", "tenant-2"), meta)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.WebVersion(context.Background(), f.codec.EncodeWebVersion("camp-404", "sub-1", "tenant-1"), meta)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.sink.recorded())
}

func TestWebPageWrapsFragmentsAndText(t *testing.T) {
	page := webPage(domain.EmailBody{Subject: "A & B", Text: "line <1>"})
	assert.Contains(t, page, "<title>A &amp; B</title>")
	assert.Contains(t, page, "line &lt;1&gt;")
	assert.Contains(t, page, webBanner)
}

func TestServiceWebVersionWithoutContentStore(t *testing.T) {
	f := newFixture(t)
	svc := NewService(Deps{Codec: f.codec, Sink: f.sink, BaseURL: "https://t.example.com"})
	_, err := svc.WebVersion(context.Background(), f.codec.EncodeWebVersion("camp-1", "sub-1", "tenant-1"), meta)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.sink.recorded())
}
