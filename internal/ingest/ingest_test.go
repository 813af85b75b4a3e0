package ingest_test

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

type stubDispatcher struct {
	mu     sync.Mutex
	events []*orchestrator.Event
	err    error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, ev *orchestrator.Event) (*orchestrator.Execution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.events = append(d.events, ev)
	return &orchestrator.Execution{EventID: ev.ID}, nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type stubProvider struct {
	mu       sync.Mutex
	messages []ingest.EmailMessage
	deleted  []string
	failures int // Delete calls that fail before succeeding
}

func (p *stubProvider) ListSince(ctx context.Context, since time.Time) ([]ingest.EmailMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ingest.EmailMessage
	for _, m := range p.messages {
		if m.ReceivedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *stubProvider) Get(ctx context.Context, id string) (*ingest.EmailMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, orchestrator.ErrNotFound
}

func (p *stubProvider) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("mailbox busy")
	}
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *stubProvider) deleteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deleted)
}

func sampleMessage() *ingest.EmailMessage {
	return &ingest.EmailMessage{
		ID:         "AAMkAGI2TG93AAA=",
		From:       "borrower@example.com",
		To:         "loans@acme.com",
		Subject:    "refi rates",
		Body:       "What are your 30-year rates?",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestIngest_NewMessageCreatesAndDispatchesEvent(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler))

	rec, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, sampleMessage())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Disposition != ingest.DispositionImported {
		t.Fatalf("disposition = %q, want imported", rec.Disposition)
	}
	if rec.EventID == 0 {
		t.Fatal("event id not linked")
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d events, want 1", disp.count())
	}

	ev, err := store.GetEvent(context.Background(), rec.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != "email_received" || ev.Payload["subject"] != "refi rates" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestIngest_DuplicateSkipped(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler))
	msg := sampleMessage()

	first, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	if second.Disposition != ingest.DispositionSkippedDuplicate {
		t.Fatalf("disposition = %q, want skipped_duplicate", second.Disposition)
	}
	if second.ID != first.ID {
		t.Fatalf("skip returned record %s, want existing %s", second.ID, first.ID)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d events, want 1", disp.count())
	}
}

func TestIngest_SameIDDifferentSourcesAreDistinct(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler))
	msg := sampleMessage()

	if _, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, msg); err != nil {
		t.Fatal(err)
	}
	rec, err := d.Ingest(context.Background(), "graph:support@acme.com", nil, msg)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Disposition != ingest.DispositionImported {
		t.Fatalf("disposition = %q, want imported", rec.Disposition)
	}
	if disp.count() != 2 {
		t.Fatalf("dispatched %d events, want 2", disp.count())
	}
}

func TestIngest_ConcurrentDuplicatesProduceOneEvent(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler))
	msg := sampleMessage()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var imported int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, msg)
			if err != nil {
				t.Error(err)
				return
			}
			if rec.Disposition == ingest.DispositionImported {
				mu.Lock()
				imported++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if imported != 1 {
		t.Fatalf("%d workers imported, want exactly 1", imported)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d events, want 1", disp.count())
	}
}

func TestIngest_DispatchFailureStillRecords(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{err: errors.New("no agent resolvable")}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler))

	rec, err := d.Ingest(context.Background(), "graph:loans@acme.com", nil, sampleMessage())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Disposition != ingest.DispositionImported {
		t.Fatalf("disposition = %q, want imported", rec.Disposition)
	}
	// The ledger still guards against refetching the message.
	got, err := store.GetRecord(context.Background(), "graph:loans@acme.com", rec.ExternalMessageID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Fatal("record not persisted")
	}
}

func TestIngest_DeleteAtSourceRetries(t *testing.T) {
	store := memory.New()
	disp := &stubDispatcher{}
	d := ingest.NewDeduplicator(store, disp, slog.New(slog.DiscardHandler)).WithDeleteAtSource()
	provider := &stubProvider{failures: 2}

	rec, err := d.Ingest(context.Background(), "graph:loans@acme.com", provider, sampleMessage())
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetRecord(context.Background(), "graph:loans@acme.com", rec.ExternalMessageID)
		if err == nil && got.Disposition == ingest.DispositionDeletedAtSource {
			if provider.deleteCount() != 1 {
				t.Fatalf("deleted %d messages, want 1", provider.deleteCount())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message never marked deleted at source")
}
