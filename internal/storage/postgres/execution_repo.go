package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/orchestrator"
)

// ExecutionRepository implements orchestrator.ExecutionStore.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution inserts a new execution. The unique index on
// (agent_id, event_id) turns a second insert for the same pair into
// orchestrator.ErrDuplicateExecution.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, exec *orchestrator.Execution) error {
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return orchestrator.ErrDuplicateExecution
		}
		return fmt.Errorf("creating execution: %w", err)
	}
	exec.CreatedAt = model.CreatedAt
	exec.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *ExecutionRepository) UpdateExecution(ctx context.Context, exec *orchestrator.Execution) error {
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating execution %s: %w", exec.ID, err)
	}
	exec.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *ExecutionRepository) GetExecution(ctx context.Context, id uuid.UUID) (*orchestrator.Execution, error) {
	var model ExecutionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orchestrator.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toExecutionDomain(&model)
}

func (r *ExecutionRepository) GetExecutionByEvent(ctx context.Context, agentID, eventID int64) (*orchestrator.Execution, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).
		First(&model, "agent_id = ? AND event_id = ?", agentID, eventID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orchestrator.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution for agent %d event %d: %w", agentID, eventID, err)
	}
	return toExecutionDomain(&model)
}

func (r *ExecutionRepository) ListExecutions(ctx context.Context, status orchestrator.ExecutionStatus, limit int) ([]orchestrator.Execution, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return toExecutionSlice(models)
}

func (r *ExecutionRepository) RecentFinished(ctx context.Context, agentID int64, limit int) ([]orchestrator.Execution, error) {
	terminal := []string{
		string(orchestrator.ExecCompleted),
		string(orchestrator.ExecFailed),
		string(orchestrator.ExecCancelled),
	}
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, terminal).
		Order("finished_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing finished executions for agent %d: %w", agentID, err)
	}
	return toExecutionSlice(models)
}

func toExecutionSlice(models []ExecutionModel) ([]orchestrator.Execution, error) {
	out := make([]orchestrator.Execution, 0, len(models))
	for i := range models {
		exec, err := toExecutionDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, nil
}
