// Package bus implements the persistence-backed message bus agents use
// to talk to each other. Every message is written to the store before it
// becomes visible, so delivery survives a restart. Messages are
// delivered in creation order via a store-assigned sequence number;
// FIFO per (sender, recipient) pair follows from the total order.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type classifies a message's intent.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeNotify   Type = "notify"
	TypeEscalate Type = "escalate"
)

// Priority is an attribute of a message: it tells the recipient how
// urgent the content is. It never affects delivery order, which is
// always creation order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is one bus message. Seq is assigned by the store at append
// time and is strictly increasing in creation order across all
// messages, so per-pair FIFO follows from it.
type Message struct {
	ID            uuid.UUID
	Seq           int64
	SenderID      int64
	RecipientID   *int64 // nil = broadcast
	Type          Type
	Priority      Priority
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
	Delivered     bool
	DeliveredAt   *time.Time
}

// Broadcast reports whether the message has no specific recipient.
func (m *Message) Broadcast() bool { return m.RecipientID == nil }

// MessageStore is the persistence interface for the bus.
type MessageStore interface {
	// AppendMessage persists the message and assigns its Seq.
	AppendMessage(ctx context.Context, msg *Message) error
	// ListUndelivered returns the recipient's pending directed messages
	// with Seq greater than afterSeq, in creation order (Seq ascending).
	ListUndelivered(ctx context.Context, recipientID int64, afterSeq int64, limit int) ([]Message, error)
	// ListBroadcast returns broadcast messages with Seq greater than
	// afterSeq, ordered by Seq ascending.
	ListBroadcast(ctx context.Context, afterSeq int64, limit int) ([]Message, error)
	// MarkDelivered flags a directed message as consumed.
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	// RecentForAgent returns the agent's latest sent or received
	// messages, newest first.
	RecentForAgent(ctx context.Context, agentID int64, limit int) ([]Message, error)
}

// Bus posts and pulls messages through the store.
type Bus struct {
	store  MessageStore
	logger *slog.Logger
}

// New creates a bus over the given store.
func New(store MessageStore, logger *slog.Logger) *Bus {
	return &Bus{store: store, logger: logger}
}

// Post persists a directed message. The message is assigned an id,
// timestamp, and per-pair sequence number before it is visible to the
// recipient. Priority defaults to normal.
func (b *Bus) Post(ctx context.Context, msg *Message) error {
	if msg.RecipientID == nil {
		return fmt.Errorf("directed message requires a recipient")
	}
	return b.append(ctx, msg)
}

// Broadcast persists a message with no recipient, visible to every
// agent via PullBroadcast.
func (b *Bus) Broadcast(ctx context.Context, msg *Message) error {
	msg.RecipientID = nil
	return b.append(ctx, msg)
}

func (b *Bus) append(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	b.logger.DebugContext(ctx, "message posted",
		slog.String("message_id", msg.ID.String()),
		slog.Int64("sender", msg.SenderID),
		slog.String("type", string(msg.Type)),
	)
	return nil
}

// Pull returns up to limit undelivered messages for the recipient with
// Seq greater than since, in creation order. Pass since = 0 for the
// full pending backlog. Messages stay pending until Ack'd, so a
// crashed consumer sees them again.
func (b *Bus) Pull(ctx context.Context, recipientID int64, since int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.store.ListUndelivered(ctx, recipientID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages for agent %d: %w", recipientID, err)
	}
	return msgs, nil
}

// Ack marks the directed messages as delivered. On error the earlier
// ids in the batch stay acked; re-acking them is harmless.
func (b *Bus) Ack(ctx context.Context, ids ...uuid.UUID) error {
	for _, id := range ids {
		if err := b.store.MarkDelivered(ctx, id); err != nil {
			return fmt.Errorf("acking message %s: %w", id, err)
		}
	}
	return nil
}

// PullBroadcast returns broadcast messages after the caller's cursor.
// Broadcasts are never marked delivered; each consumer tracks its own
// high-water Seq.
func (b *Bus) PullBroadcast(ctx context.Context, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.store.ListBroadcast(ctx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing broadcasts: %w", err)
	}
	return msgs, nil
}

// RecentForAgent returns the agent's recent traffic for planner context.
func (b *Bus) RecentForAgent(ctx context.Context, agentID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	msgs, err := b.store.RecentForAgent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages for agent %d: %w", agentID, err)
	}
	return msgs, nil
}
