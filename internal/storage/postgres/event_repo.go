package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/orchestrator"
)

// EventRepository implements orchestrator.EventStore.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) SaveEvent(ctx context.Context, ev *orchestrator.Event) error {
	model := toEventModel(ev)
	var err error
	if ev.ID == 0 {
		err = r.db.WithContext(ctx).Create(&model).Error
	} else {
		err = r.db.WithContext(ctx).Save(&model).Error
	}
	if err != nil {
		return fmt.Errorf("saving event: %w", err)
	}
	ev.ID = model.ID
	ev.CreatedAt = model.CreatedAt
	ev.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *EventRepository) GetEvent(ctx context.Context, id int64) (*orchestrator.Event, error) {
	var model EventModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orchestrator.ErrNotFound
		}
		return nil, fmt.Errorf("getting event %d: %w", id, err)
	}
	return toEventDomain(&model)
}

func (r *EventRepository) SetEventStatus(ctx context.Context, id int64, status orchestrator.EventStatus) error {
	res := r.db.WithContext(ctx).Model(&EventModel{}).
		Where("id = ?", id).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("setting event %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return orchestrator.ErrNotFound
	}
	return nil
}
