package postgres

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"github.com/loanhive/loanhive/internal/storage"
)

// Store bundles the repositories behind the unified storage.Store
// interface. Both SQL backends build on it.
type Store struct {
	*AgentRepository
	*ToolRepository
	*EventRepository
	*ExecutionRepository
	*MessageRepository
	*IngestionRepository
	*CRMRepository

	db     *gorm.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore wires the repositories over an open GORM connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		AgentRepository:     NewAgentRepository(db),
		ToolRepository:      NewToolRepository(db),
		EventRepository:     NewEventRepository(db),
		ExecutionRepository: NewExecutionRepository(db),
		MessageRepository:   NewMessageRepository(db),
		IngestionRepository: NewIngestionRepository(db),
		CRMRepository:       NewCRMRepository(db),
		db:                  db,
		logger:              logger,
	}
}

// GormDB returns the underlying *gorm.DB for raw operations if needed.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
