package mailroom

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/storage/memory"
)

type fakeProvider struct {
	mu       sync.Mutex
	messages []ingest.EmailMessage
	listErr  error
	sinces   []time.Time
}

func (p *fakeProvider) ListSince(ctx context.Context, since time.Time) ([]ingest.EmailMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinces = append(p.sinces, since)
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []ingest.EmailMessage
	for _, m := range p.messages {
		if m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *fakeProvider) Get(ctx context.Context, id string) (*ingest.EmailMessage, error) {
	return nil, orchestrator.ErrNotFound
}

func (p *fakeProvider) Delete(ctx context.Context, id string) error { return nil }

type countingDispatcher struct {
	mu    sync.Mutex
	count int
}

func (d *countingDispatcher) Dispatch(ctx context.Context, ev *orchestrator.Event) (*orchestrator.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return &orchestrator.Execution{EventID: ev.ID}, nil
}

func newPoller(t *testing.T, disp ingest.Dispatcher) (*Poller, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.DiscardHandler)
	dedup := ingest.NewDeduplicator(store, disp, logger)
	return New(dedup, logger).WithLookback(time.Hour), store
}

func TestPoll_IngestsNewMessages(t *testing.T) {
	disp := &countingDispatcher{}
	p, store := newPoller(t, disp)

	now := time.Now().UTC()
	provider := &fakeProvider{messages: []ingest.EmailMessage{
		{ID: "m1", From: "a@example.com", Subject: "one", ReceivedAt: now.Add(-10 * time.Minute)},
		{ID: "m2", From: "b@example.com", Subject: "two", ReceivedAt: now.Add(-5 * time.Minute)},
	}}
	acct := Account{Source: "graph:loans@acme.com", Schedule: "@every 1m", Provider: provider}

	p.Poll(context.Background(), acct)

	if disp.count != 2 {
		t.Fatalf("dispatched %d events, want 2", disp.count)
	}
	if _, err := store.GetRecord(context.Background(), acct.Source, "m1"); err != nil {
		t.Fatalf("m1 not recorded: %v", err)
	}
}

func TestPoll_SecondPollUsesCursor(t *testing.T) {
	disp := &countingDispatcher{}
	p, _ := newPoller(t, disp)

	now := time.Now().UTC()
	provider := &fakeProvider{messages: []ingest.EmailMessage{
		{ID: "m1", ReceivedAt: now.Add(-10 * time.Minute)},
	}}
	acct := Account{Source: "graph:loans@acme.com", Schedule: "@every 1m", Provider: provider}

	p.Poll(context.Background(), acct)
	p.Poll(context.Background(), acct)

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.sinces) != 2 {
		t.Fatalf("polled %d times", len(provider.sinces))
	}
	if !provider.sinces[1].Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("second since = %v, want cursor at m1's receive time", provider.sinces[1])
	}
	if disp.count != 1 {
		t.Fatalf("dispatched %d events, want 1", disp.count)
	}
}

func TestPoll_RepollDoesNotDuplicate(t *testing.T) {
	disp := &countingDispatcher{}
	p, store := newPoller(t, disp)

	now := time.Now().UTC()
	provider := &fakeProvider{messages: []ingest.EmailMessage{
		{ID: "m1", ReceivedAt: now.Add(-10 * time.Minute)},
	}}
	acct := Account{Source: "graph:loans@acme.com", Schedule: "@every 1m", Provider: provider}

	// Simulate a restarted poller that lost its cursor: the same
	// message is listed again, but the ledger skips it.
	p.Poll(context.Background(), acct)
	logger := slog.New(slog.DiscardHandler)
	fresh := New(ingest.NewDeduplicator(store, disp, logger), logger).WithLookback(time.Hour)
	fresh.Poll(context.Background(), acct)

	if disp.count != 1 {
		t.Fatalf("dispatched %d events, want 1", disp.count)
	}
}

func TestPoll_ProviderErrorIsContained(t *testing.T) {
	disp := &countingDispatcher{}
	p, _ := newPoller(t, disp)

	provider := &fakeProvider{listErr: errors.New("throttled")}
	acct := Account{Source: "graph:loans@acme.com", Schedule: "@every 1m", Provider: provider}

	p.Poll(context.Background(), acct)
	if disp.count != 0 {
		t.Fatalf("dispatched %d events, want 0", disp.count)
	}
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	disp := &countingDispatcher{}
	p, _ := newPoller(t, disp)
	p.AddAccount(Account{Source: "x", Schedule: "not a schedule", Provider: &fakeProvider{}})

	if _, err := p.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
