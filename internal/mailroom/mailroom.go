// Package mailroom polls mailbox providers on cron schedules and feeds
// every new message through the ingestion deduplicator. Each account
// keeps a high-water receive timestamp so a poll only asks the provider
// for messages it has not listed before; the dedup ledger catches the
// overlap at the boundary.
package mailroom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/loanhive/loanhive/internal/ingest"
)

const defaultLookback = 24 * time.Hour

// Account is one polled mailbox.
type Account struct {
	// Source is the ledger key prefix, e.g. "graph:loans@acme.com".
	Source string
	// Schedule is a cron expression; "@every 1m" style specs work too.
	Schedule string
	Provider ingest.EmailProvider
}

// Metrics holds the mailroom's Prometheus instruments.
type Metrics struct {
	MessagesSeen     *prometheus.CounterVec
	MessagesImported *prometheus.CounterVec
	PollFailures     *prometheus.CounterVec
	PollDuration     prometheus.Histogram
}

// NewMetrics creates and registers the mailroom metrics. Pass nil to
// skip registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "mailroom",
			Name:      "messages_seen_total",
			Help:      "Messages returned by provider polls.",
		}, []string{"source"}),
		MessagesImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "mailroom",
			Name:      "messages_imported_total",
			Help:      "Messages that produced a new event.",
		}, []string{"source"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "mailroom",
			Name:      "poll_failures_total",
			Help:      "Provider polls that returned an error.",
		}, []string{"source"}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loanhive",
			Subsystem: "mailroom",
			Name:      "poll_duration_seconds",
			Help:      "Wall time of one account poll.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSeen, m.MessagesImported, m.PollFailures, m.PollDuration)
	}
	return m
}

// Poller runs the account schedules.
type Poller struct {
	dedup    *ingest.Deduplicator
	logger   *slog.Logger
	metrics  *Metrics
	accounts []Account
	lookback time.Duration

	mu      sync.Mutex
	cursors map[string]time.Time
}

// New creates a poller over the given deduplicator.
func New(dedup *ingest.Deduplicator, logger *slog.Logger) *Poller {
	return &Poller{
		dedup:    dedup,
		logger:   logger,
		metrics:  NewMetrics(nil),
		lookback: defaultLookback,
		cursors:  make(map[string]time.Time),
	}
}

// WithMetrics replaces the default unregistered metrics.
func (p *Poller) WithMetrics(m *Metrics) *Poller {
	p.metrics = m
	return p
}

// WithLookback sets how far back the first poll of an account reaches.
func (p *Poller) WithLookback(d time.Duration) *Poller {
	p.lookback = d
	return p
}

// AddAccount registers a mailbox to poll.
func (p *Poller) AddAccount(acct Account) *Poller {
	p.accounts = append(p.accounts, acct)
	return p
}

// Start schedules all accounts and returns a stop function.
func (p *Poller) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	for i := range p.accounts {
		acct := p.accounts[i]
		if _, err := c.AddFunc(acct.Schedule, func() { p.Poll(ctx, acct) }); err != nil {
			return nil, err
		}
	}
	c.Start()
	p.logger.InfoContext(ctx, "mailroom started", slog.Int("accounts", len(p.accounts)))

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
		p.logger.Info("mailroom stopped")
	}, nil
}

// Poll runs one cycle for an account: list new messages and ingest each.
func (p *Poller) Poll(ctx context.Context, acct Account) {
	start := time.Now()
	since := p.cursor(acct.Source)

	msgs, err := acct.Provider.ListSince(ctx, since)
	if err != nil {
		p.metrics.PollFailures.WithLabelValues(acct.Source).Inc()
		p.logger.ErrorContext(ctx, "mailbox poll failed",
			slog.String("source", acct.Source),
			slog.String("error", err.Error()),
		)
		return
	}
	p.metrics.MessagesSeen.WithLabelValues(acct.Source).Add(float64(len(msgs)))

	for i := range msgs {
		msg := msgs[i]
		rec, err := p.dedup.Ingest(ctx, acct.Source, acct.Provider, &msg)
		if err != nil {
			p.logger.ErrorContext(ctx, "ingest failed",
				slog.String("source", acct.Source),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if rec.Disposition == ingest.DispositionImported {
			p.metrics.MessagesImported.WithLabelValues(acct.Source).Inc()
		}
		p.advanceCursor(acct.Source, msg.ReceivedAt)
	}
	p.metrics.PollDuration.Observe(time.Since(start).Seconds())
}

// cursor returns the account's high-water mark, or now minus the
// lookback window on the first poll.
func (p *Poller) cursor(source string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.cursors[source]; ok {
		return t
	}
	t := time.Now().UTC().Add(-p.lookback)
	p.cursors[source] = t
	return t
}

func (p *Poller) advanceCursor(source string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.cursors[source]) {
		p.cursors[source] = t
	}
}
