// Package ingest turns provider emails into orchestrator events exactly
// once. Deduplication keys on (source, external message id) and is
// enforced by the store in the same transaction that creates the event,
// so two pollers racing on the same message produce one event.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/orchestrator"
)

// Disposition records what happened to an ingested message.
type Disposition string

const (
	// DispositionImported means the message produced a new event.
	DispositionImported Disposition = "imported"
	// DispositionSkippedDuplicate means the message was seen before and
	// produced nothing.
	DispositionSkippedDuplicate Disposition = "skipped_duplicate"
	// DispositionDeletedAtSource means the imported message was also
	// removed from the provider mailbox.
	DispositionDeletedAtSource Disposition = "deleted_at_source"
)

// Record is the ingestion ledger entry for one provider message.
type Record struct {
	ID                uuid.UUID
	Source            string // provider account, e.g. "graph:loans@acme.com"
	ExternalMessageID string
	EventID           int64 // 0 when skipped
	Disposition       Disposition
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ErrDuplicateMessage is returned by IngestEvent when the
// (source, external message id) pair already has a record.
var ErrDuplicateMessage = errors.New("message already ingested")

// Store persists ingestion records.
type Store interface {
	// IngestEvent atomically inserts the record and its event, assigning
	// both ids. Fails with ErrDuplicateMessage without creating either
	// when the message was seen before.
	IngestEvent(ctx context.Context, rec *Record, ev *orchestrator.Event) error
	SetDisposition(ctx context.Context, id uuid.UUID, d Disposition) error
	// GetRecord returns the record for a (source, external id) pair, or
	// orchestrator.ErrNotFound.
	GetRecord(ctx context.Context, source, externalID string) (*Record, error)
}

// EmailMessage is a provider-neutral inbound email.
type EmailMessage struct {
	ID         string // provider message id
	From       string
	To         string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// EmailProvider reads and deletes messages from one mailbox.
type EmailProvider interface {
	ListSince(ctx context.Context, since time.Time) ([]EmailMessage, error)
	Get(ctx context.Context, id string) (*EmailMessage, error)
	Delete(ctx context.Context, id string) error
}

// Dispatcher starts agent work for an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *orchestrator.Event) (*orchestrator.Execution, error)
}

const deleteAttempts = 3

// Deduplicator ingests emails exactly once and dispatches the resulting
// events.
type Deduplicator struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger

	// deleteAtSource removes imported messages from the mailbox so the
	// next poll does not refetch them. Best effort: a message that
	// cannot be deleted is still deduplicated by the ledger.
	deleteAtSource bool
}

// NewDeduplicator creates a deduplicator over the given store and
// dispatcher.
func NewDeduplicator(store Store, dispatcher Dispatcher, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{store: store, dispatcher: dispatcher, logger: logger}
}

// WithDeleteAtSource enables best-effort provider-side deletion of
// imported messages.
func (d *Deduplicator) WithDeleteAtSource() *Deduplicator {
	d.deleteAtSource = true
	return d
}

// Ingest records one provider message and, when it is new, creates and
// dispatches its event. A message seen before returns the existing
// record with DispositionSkippedDuplicate and no new work.
func (d *Deduplicator) Ingest(ctx context.Context, source string, provider EmailProvider, msg *EmailMessage) (*Record, error) {
	rec := &Record{
		ID:                uuid.New(),
		Source:            source,
		ExternalMessageID: msg.ID,
		Disposition:       DispositionImported,
		CreatedAt:         time.Now().UTC(),
	}
	ev := &orchestrator.Event{
		Source: "email",
		Type:   "email_received",
		Caller: msg.From,
		Payload: map[string]any{
			"from":        msg.From,
			"to":          msg.To,
			"subject":     msg.Subject,
			"body":        msg.Body,
			"received_at": msg.ReceivedAt.Format(time.RFC3339),
			"message_id":  msg.ID,
		},
	}

	if err := d.store.IngestEvent(ctx, rec, ev); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			existing, gerr := d.store.GetRecord(ctx, source, msg.ID)
			if gerr != nil {
				return nil, gerr
			}
			d.logger.DebugContext(ctx, "duplicate message skipped",
				slog.String("source", source),
				slog.String("message_id", msg.ID),
			)
			skipped := *existing
			skipped.Disposition = DispositionSkippedDuplicate
			return &skipped, nil
		}
		return nil, err
	}
	rec.EventID = ev.ID

	if _, err := d.dispatcher.Dispatch(ctx, ev); err != nil {
		// The event is persisted; dispatch can be retried by an
		// operator. The ingestion itself succeeded.
		d.logger.ErrorContext(ctx, "dispatching ingested event failed",
			slog.Int64("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}

	if d.deleteAtSource && provider != nil {
		go d.deleteWithRetry(context.WithoutCancel(ctx), provider, rec)
	}
	return rec, nil
}

// deleteWithRetry removes the message from the provider mailbox,
// retrying a fixed number of times. Runs detached from the ingest call.
func (d *Deduplicator) deleteWithRetry(ctx context.Context, provider EmailProvider, rec *Record) {
	var err error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		if err = provider.Delete(ctx, rec.ExternalMessageID); err == nil {
			if serr := d.store.SetDisposition(ctx, rec.ID, DispositionDeletedAtSource); serr != nil {
				d.logger.ErrorContext(ctx, "recording source deletion failed",
					slog.String("record_id", rec.ID.String()),
					slog.String("error", serr.Error()),
				)
			}
			return
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	d.logger.WarnContext(ctx, "deleting message at source failed",
		slog.String("source", rec.Source),
		slog.String("message_id", rec.ExternalMessageID),
		slog.String("error", err.Error()),
	)
}
