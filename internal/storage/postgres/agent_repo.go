package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/agent"
)

// AgentRepository implements agent.Store.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) ListAgents(ctx context.Context) ([]agent.Config, error) {
	var models []AgentModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]agent.Config, 0, len(models))
	for i := range models {
		cfg, err := toAgentDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, nil
}

func (r *AgentRepository) SaveAgent(ctx context.Context, cfg *agent.Config) error {
	model := toAgentModel(cfg)
	var err error
	if cfg.ID == 0 {
		err = r.db.WithContext(ctx).Create(&model).Error
	} else {
		err = r.db.WithContext(ctx).Save(&model).Error
	}
	if err != nil {
		return fmt.Errorf("saving agent %q: %w", cfg.Name, err)
	}
	cfg.ID = model.ID
	cfg.CreatedAt = model.CreatedAt
	cfg.UpdatedAt = model.UpdatedAt
	return nil
}
