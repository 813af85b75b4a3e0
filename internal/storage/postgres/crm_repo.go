package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/crm"
)

// CRMRepository implements crm.Store.
type CRMRepository struct {
	db *gorm.DB
}

// NewCRMRepository creates a CRMRepository.
func NewCRMRepository(db *gorm.DB) *CRMRepository {
	return &CRMRepository{db: db}
}

func (r *CRMRepository) GetLead(ctx context.Context, id int64) (*crm.Lead, error) {
	var model LeadModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrNotFound
		}
		return nil, fmt.Errorf("getting lead %d: %w", id, err)
	}
	return toLeadDomain(&model)
}

func (r *CRMRepository) SaveLead(ctx context.Context, lead *crm.Lead) error {
	model := toLeadModel(lead)
	var err error
	if lead.ID == 0 {
		err = r.db.WithContext(ctx).Create(&model).Error
	} else {
		err = r.db.WithContext(ctx).Save(&model).Error
	}
	if err != nil {
		return fmt.Errorf("saving lead %q: %w", lead.Name, err)
	}
	lead.ID = model.ID
	lead.CreatedAt = model.CreatedAt
	lead.UpdatedAt = model.UpdatedAt
	return nil
}

// AppendLeadNote reads, appends, and writes back inside a transaction
// so concurrent notes never clobber each other.
func (r *CRMRepository) AppendLeadNote(ctx context.Context, id int64, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model LeadModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return crm.ErrNotFound
			}
			return fmt.Errorf("getting lead %d: %w", id, err)
		}
		lead, err := toLeadDomain(&model)
		if err != nil {
			return err
		}
		lead.Notes = append(lead.Notes, note)
		return tx.Model(&LeadModel{}).
			Where("id = ?", id).
			Update("notes", marshalJSONB(lead.Notes)).Error
	})
}

func (r *CRMRepository) CreateFollowUp(ctx context.Context, task *crm.FollowUpTask) error {
	model := toFollowUpModel(task)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating follow-up for lead %d: %w", task.LeadID, err)
	}
	task.CreatedAt = model.CreatedAt
	return nil
}

func (r *CRMRepository) ListFollowUps(ctx context.Context, leadID int64) ([]crm.FollowUpTask, error) {
	var models []FollowUpModel
	err := r.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("due_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing follow-ups for lead %d: %w", leadID, err)
	}
	out := make([]crm.FollowUpTask, 0, len(models))
	for i := range models {
		out = append(out, toFollowUpDomain(&models[i]))
	}
	return out, nil
}

func (r *CRMRepository) CreateCalendarEvent(ctx context.Context, ev *crm.CalendarEvent) error {
	model := toCalendarModel(ev)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating calendar event for lead %d: %w", ev.LeadID, err)
	}
	ev.CreatedAt = model.CreatedAt
	return nil
}

func (r *CRMRepository) GetLoanFile(ctx context.Context, id int64) (*crm.LoanFile, error) {
	var model LoanFileModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrNotFound
		}
		return nil, fmt.Errorf("getting loan file %d: %w", id, err)
	}
	return toLoanFileDomain(&model), nil
}

func (r *CRMRepository) SaveLoanFile(ctx context.Context, lf *crm.LoanFile) error {
	model := toLoanFileModel(lf)
	var err error
	if lf.ID == 0 {
		err = r.db.WithContext(ctx).Create(&model).Error
	} else {
		err = r.db.WithContext(ctx).Save(&model).Error
	}
	if err != nil {
		return fmt.Errorf("saving loan file %d: %w", lf.ID, err)
	}
	lf.ID = model.ID
	lf.CreatedAt = model.CreatedAt
	lf.UpdatedAt = model.UpdatedAt
	return nil
}
