package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/tools"
)

// ToolRepository implements tools.Store.
type ToolRepository struct {
	db *gorm.DB
}

// NewToolRepository creates a ToolRepository.
func NewToolRepository(db *gorm.DB) *ToolRepository {
	return &ToolRepository{db: db}
}

func (r *ToolRepository) ListTools(ctx context.Context) ([]tools.Definition, error) {
	var models []ToolModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	out := make([]tools.Definition, 0, len(models))
	for i := range models {
		def, err := toToolDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *def)
	}
	return out, nil
}

// SaveTool inserts or updates a definition. Built-in tools carry fixed
// ids, so an explicit non-zero id upserts rather than conflicting with
// the sequence.
func (r *ToolRepository) SaveTool(ctx context.Context, def *tools.Definition) error {
	model := toToolModel(def)
	var err error
	if def.ID == 0 {
		err = r.db.WithContext(ctx).Create(&model).Error
	} else {
		err = r.db.WithContext(ctx).Save(&model).Error
	}
	if err != nil {
		return fmt.Errorf("saving tool %q: %w", def.Name, err)
	}
	def.ID = model.ID
	def.CreatedAt = model.CreatedAt
	def.UpdatedAt = model.UpdatedAt
	return nil
}
