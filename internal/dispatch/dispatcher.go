// Package dispatch sends one campaign to its recipients in fixed-size batches.
// Recipients inside a batch are sent concurrently; batches run one after
// another with a pause between them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/instrument"
	"github.com/ignite/mailtrack/internal/metrics"
	"github.com/ignite/mailtrack/internal/pkg/distlock"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/sending"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = time.Second
)

// ErrAlreadyRunning is returned when another process holds the campaign lock.
var ErrAlreadyRunning = errors.New("campaign dispatch already running")

// Config controls batching. Zero values get the defaults; a negative
// BatchDelay disables the pause.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	switch {
	case c.BatchDelay == 0:
		c.BatchDelay = DefaultBatchDelay
	case c.BatchDelay < 0:
		c.BatchDelay = 0
	}
	return c
}

// Job is one campaign send.
type Job struct {
	Campaign        domain.Campaign
	Recipients      []domain.Subscriber
	TrackingBaseURL string
}

// Result totals a run. Sent+Failed equals the number of recipients attempted.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// ProgressFunc is called after every successful send with the running total.
// Calls are serialized.
type ProgressFunc func(sent, total int)

// Sleeper pauses between batches. It returns early with ctx.Err() if ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LockFactory mints per-campaign locks. *distlock.Factory satisfies it.
type LockFactory interface {
	New(key string) distlock.DistLock
	TTL() time.Duration
}

// Dispatcher is safe for concurrent use across different campaigns.
type Dispatcher struct {
	engine    *instrument.Engine
	transport sending.Transport
	cfg       Config
	sleep     Sleeper
	locks     LockFactory
	metrics   *metrics.Metrics
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSleeper replaces the pause between batches.
func WithSleeper(s Sleeper) Option {
	return func(d *Dispatcher) { d.sleep = s }
}

// WithLocks guards every run with a campaign lock.
func WithLocks(f LockFactory) Option {
	return func(d *Dispatcher) { d.locks = f }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(engine *instrument.Engine, transport sending.Transport, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:    engine,
		transport: transport,
		cfg:       cfg.withDefaults(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LockKey is the lock name for a campaign.
func LockKey(campaignID string) string {
	return "dispatch:campaign:" + campaignID
}

// Run sends job. Cancellation is honoured between batches: the batch in flight
// finishes and Run returns the partial Result with ctx.Err(). That includes
// the last batch, so a run cancelled while finishing still reports it.
func (d *Dispatcher) Run(ctx context.Context, job Job, progress ProgressFunc) (Result, error) {
	if d.locks != nil {
		if lock := d.locks.New(LockKey(job.Campaign.ID)); lock != nil {
			ok, err := lock.Acquire(ctx)
			if err != nil {
				return Result{}, fmt.Errorf("campaign lock: %w", err)
			}
			if !ok {
				return Result{}, ErrAlreadyRunning
			}
			stop := distlock.KeepAlive(ctx, lock, d.locks.TTL(), func(err error) {
				logger.Error("campaign lock lost", "campaign_id", job.Campaign.ID, "error", err.Error())
			})
			defer func() {
				stop()
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("campaign lock release failed", "campaign_id", job.Campaign.ID, "error", err.Error())
				}
			}()
		}
	}
	return d.run(ctx, job, progress)
}

func (d *Dispatcher) run(ctx context.Context, job Job, progress ProgressFunc) (Result, error) {
	total := len(job.Recipients)
	batches := partition(job.Recipients, d.cfg.BatchSize)

	logger.Info("campaign dispatch started",
		"campaign_id", job.Campaign.ID,
		"tenant_id", job.Campaign.TenantID,
		"recipients", total,
		"batches", len(batches))

	// Sends never see the cancellation; it only stops the next batch.
	sendCtx := context.WithoutCancel(ctx)
	t := &tally{total: total, progress: progress}
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return t.result(), d.cancelled(job, t, err)
		}

		start := time.Now()
		d.sendBatch(sendCtx, job, batch, t)
		d.metrics.Batch(time.Since(start))

		if i == len(batches)-1 {
			if err := ctx.Err(); err != nil {
				return t.result(), d.cancelled(job, t, err)
			}
			break
		}
		if err := d.sleep(ctx, d.cfg.BatchDelay); err != nil {
			return t.result(), d.cancelled(job, t, err)
		}
	}

	res := t.result()
	logger.Info("campaign dispatch finished",
		"campaign_id", job.Campaign.ID,
		"sent", res.Sent,
		"failed", res.Failed)
	return res, nil
}

func (d *Dispatcher) cancelled(job Job, t *tally, err error) error {
	res := t.result()
	logger.Warn("campaign dispatch cancelled",
		"campaign_id", job.Campaign.ID,
		"sent", res.Sent,
		"failed", res.Failed,
		"remaining", t.total-res.Sent-res.Failed)
	return err
}

// sendBatch fans a batch out and waits for every task. Tasks never return an
// error, so one failure cannot cancel its siblings.
func (d *Dispatcher) sendBatch(ctx context.Context, job Job, batch []domain.Subscriber, t *tally) {
	var g errgroup.Group
	g.SetLimit(len(batch))
	for _, sub := range batch {
		sub := sub
		g.Go(func() error {
			err := d.sendOne(ctx, job, sub)
			if err != nil {
				logger.Error("campaign send failed",
					"campaign_id", job.Campaign.ID,
					"subscriber_id", sub.ID,
					"email", sub.Email,
					"error", err.Error())
				d.metrics.Message("failed")
			} else {
				d.metrics.Message("sent")
			}
			t.add(err == nil)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendOne(ctx context.Context, job Job, sub domain.Subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if sub.TenantID != "" && sub.TenantID != job.Campaign.TenantID {
		return fmt.Errorf("subscriber belongs to tenant %s", sub.TenantID)
	}
	msg := d.buildMessage(job, sub)
	if _, err := d.transport.Send(ctx, msg); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) buildMessage(job Job, sub domain.Subscriber) *domain.OutboundMessage {
	c := job.Campaign
	ic := domain.InstrumentationContext{
		CampaignID:      c.ID,
		SubscriberID:    sub.ID,
		TenantID:        c.TenantID,
		TrackingBaseURL: job.TrackingBaseURL,
	}
	res := d.engine.Instrument(ic, instrument.MergeData{
		FirstName:    sub.FirstName,
		LastName:     sub.LastName,
		Email:        sub.Email,
		CampaignName: c.Name,
	}, c.Body())

	return &domain.OutboundMessage{
		To:       sub.Email,
		From:     c.FromEmail,
		FromName: c.FromName,
		ReplyTo:  c.ReplyTo,
		Subject:  res.Body.Subject,
		HTML:     res.Body.HTML,
		Text:     res.Body.Text,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + res.UnsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
			"X-Campaign-ID":         c.ID,
		},
		CampaignID:   c.ID,
		SubscriberID: sub.ID,
	}
}

func partition(subs []domain.Subscriber, size int) [][]domain.Subscriber {
	var out [][]domain.Subscriber
	for start := 0; start < len(subs); start += size {
		end := start + size
		if end > len(subs) {
			end = len(subs)
		}
		out = append(out, subs[start:end])
	}
	return out
}

// tally folds per-recipient outcomes and serializes progress callbacks.
type tally struct {
	mu       sync.Mutex
	sent     int
	failed   int
	total    int
	progress ProgressFunc
}

func (t *tally) add(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.failed++
		return
	}
	t.sent++
	if t.progress != nil {
		t.progress(t.sent, t.total)
	}
}

func (t *tally) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{Sent: t.sent, Failed: t.failed}
}
