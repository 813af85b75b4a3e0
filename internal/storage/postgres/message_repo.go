package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/orchestrator"
)

// MessageRepository implements bus.MessageStore. Seq is the messages
// table's autoincrement key, so ordering by it yields creation order
// and per-pair FIFO falls out of the total order.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) AppendMessage(ctx context.Context, msg *bus.Message) error {
	model := toMessageModel(msg)
	model.Seq = 0 // assigned by the database
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	msg.Seq = model.Seq
	msg.CreatedAt = model.CreatedAt
	return nil
}

func (r *MessageRepository) ListUndelivered(ctx context.Context, recipientID int64, afterSeq int64, limit int) ([]bus.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("recipient_id = ? AND delivered = ? AND seq > ?", recipientID, false, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing undelivered messages for agent %d: %w", recipientID, err)
	}
	return toMessageSlice(models)
}

func (r *MessageRepository) ListBroadcast(ctx context.Context, afterSeq int64, limit int) ([]bus.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("recipient_id IS NULL AND seq > ?", afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing broadcast messages after %d: %w", afterSeq, err)
	}
	return toMessageSlice(models)
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivered": true, "delivered_at": &now})
	if res.Error != nil {
		return fmt.Errorf("marking message %s delivered: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return orchestrator.ErrNotFound
	}
	return nil
}

func (r *MessageRepository) RecentForAgent(ctx context.Context, agentID int64, limit int) ([]bus.Message, error) {
	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("sender_id = ? OR recipient_id = ?", agentID, agentID).
		Order("seq DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing recent messages for agent %d: %w", agentID, err)
	}
	return toMessageSlice(models)
}

func toMessageSlice(models []MessageModel) ([]bus.Message, error) {
	out := make([]bus.Message, 0, len(models))
	for i := range models {
		msg, err := toMessageDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}
