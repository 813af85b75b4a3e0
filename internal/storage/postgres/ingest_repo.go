package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
)

// IngestionRepository implements ingest.Store.
type IngestionRepository struct {
	db *gorm.DB
}

// NewIngestionRepository creates an IngestionRepository.
func NewIngestionRepository(db *gorm.DB) *IngestionRepository {
	return &IngestionRepository{db: db}
}

// IngestEvent inserts the ledger record and its event in one
// transaction. The unique index on (source, external_message_id) makes
// the record insert fail for a message seen before, rolling back the
// event with it.
func (r *IngestionRepository) IngestEvent(ctx context.Context, rec *ingest.Record, ev *orchestrator.Event) error {
	recModel := toIngestionModel(rec)
	evModel := toEventModel(ev)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&recModel).Error; err != nil {
			if isDuplicate(err) {
				return ingest.ErrDuplicateMessage
			}
			return fmt.Errorf("recording ingestion: %w", err)
		}
		if err := tx.Create(&evModel).Error; err != nil {
			return fmt.Errorf("saving ingested event: %w", err)
		}
		recModel.EventID = evModel.ID
		if err := tx.Model(&IngestionModel{}).
			Where("id = ?", recModel.ID).
			Update("event_id", evModel.ID).Error; err != nil {
			return fmt.Errorf("linking ingestion to event: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	ev.ID = evModel.ID
	ev.CreatedAt = evModel.CreatedAt
	ev.UpdatedAt = evModel.UpdatedAt
	rec.EventID = evModel.ID
	rec.CreatedAt = recModel.CreatedAt
	rec.UpdatedAt = recModel.UpdatedAt
	return nil
}

func (r *IngestionRepository) SetDisposition(ctx context.Context, id uuid.UUID, d ingest.Disposition) error {
	res := r.db.WithContext(ctx).Model(&IngestionModel{}).
		Where("id = ?", id).
		Update("disposition", string(d))
	if res.Error != nil {
		return fmt.Errorf("setting disposition for %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return orchestrator.ErrNotFound
	}
	return nil
}

func (r *IngestionRepository) GetRecord(ctx context.Context, source, externalID string) (*ingest.Record, error) {
	var model IngestionModel
	err := r.db.WithContext(ctx).
		First(&model, "source = ? AND external_message_id = ?", source, externalID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orchestrator.ErrNotFound
		}
		return nil, fmt.Errorf("getting ingestion record %s/%s: %w", source, externalID, err)
	}
	return toIngestionDomain(&model), nil
}
