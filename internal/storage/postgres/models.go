package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and
// sql.Scanner interfaces for GORM JSONB columns. SQLite stores the same
// column as TEXT.
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// AgentModel maps to the "agents" table.
type AgentModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"not null;uniqueIndex"`
	Type         string `gorm:"not null"`
	Status       string `gorm:"not null;default:'active'"`
	Model        string `gorm:"not null"`
	SystemPrompt string `gorm:"type:text;not null"`
	AllowedTools JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	RiskCeiling  string `gorm:"not null;default:'low'"`
	MaxPlanSteps int    `gorm:"not null;default:8"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (AgentModel) TableName() string { return "agents" }

// ToolModel maps to the "tools" table.
type ToolModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"not null;uniqueIndex"`
	Description string `gorm:"type:text;not null"`
	Category    string `gorm:"not null"`
	Risk        string `gorm:"not null;default:'low'"`
	Parameters  JSONB  `gorm:"type:jsonb"`
	Idempotent  bool   `gorm:"not null;default:false"`
	RateLimit   int    `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ToolModel) TableName() string { return "tools" }

// EventModel maps to the "events" table.
type EventModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	Source        string `gorm:"not null;index"`
	Type          string `gorm:"not null"`
	Payload       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	TargetAgentID *int64
	Caller        string
	Status        string `gorm:"not null;default:'pending';index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (EventModel) TableName() string { return "events" }

// ExecutionModel maps to the "executions" table. The composite unique
// index enforces at most one execution per (agent, event) pair.
type ExecutionModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID    int64     `gorm:"not null;uniqueIndex:idx_executions_agent_event"`
	EventID    int64     `gorm:"not null;uniqueIndex:idx_executions_agent_event"`
	Status     string    `gorm:"not null;default:'queued';index"`
	Plans      JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	Summary    string    `gorm:"type:text"`
	ErrKind    string
	ErrMessage string `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time `gorm:"index"`
	CreatedAt  time.Time  `gorm:"index"`
	UpdatedAt  time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// MessageModel maps to the "messages" table. Seq is the autoincrement
// primary key so ordering by it yields creation order.
type MessageModel struct {
	Seq           int64     `gorm:"primaryKey;autoIncrement"`
	ID            uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	SenderID      int64     `gorm:"not null;index"`
	RecipientID   *int64    `gorm:"index"` // NULL = broadcast
	Type          string    `gorm:"not null"`
	Priority      string    `gorm:"not null;default:'normal'"`
	Payload       JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CorrelationID string    `gorm:"index"`
	Delivered     bool      `gorm:"not null;default:false;index"`
	DeliveredAt   *time.Time
	CreatedAt     time.Time
}

func (MessageModel) TableName() string { return "messages" }

// IngestionModel maps to the "ingestions" table. The composite unique
// index is what makes message ingestion idempotent.
type IngestionModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source            string    `gorm:"not null;uniqueIndex:idx_ingestions_source_message"`
	ExternalMessageID string    `gorm:"not null;uniqueIndex:idx_ingestions_source_message"`
	EventID           int64     `gorm:"not null;default:0"`
	Disposition       string    `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (IngestionModel) TableName() string { return "ingestions" }

// LeadModel maps to the "leads" table.
type LeadModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"not null"`
	Email     string `gorm:"index"`
	Phone     string
	Stage     string `gorm:"not null;default:'new'"`
	Notes     JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (LeadModel) TableName() string { return "leads" }

// FollowUpModel maps to the "follow_ups" table.
type FollowUpModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	LeadID      int64     `gorm:"not null;index"`
	Description string    `gorm:"type:text;not null"`
	DueAt       time.Time `gorm:"index"`
	Done        bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

func (FollowUpModel) TableName() string { return "follow_ups" }

// CalendarEventModel maps to the "calendar_events" table.
type CalendarEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	LeadID    int64     `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	StartsAt  time.Time `gorm:"index"`
	EndsAt    time.Time
	CreatedAt time.Time
}

func (CalendarEventModel) TableName() string { return "calendar_events" }

// LoanFileModel maps to the "loan_files" table.
type LoanFileModel struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	LeadID       int64 `gorm:"not null;index"`
	AmountCents  int64 `gorm:"not null"`
	RateBps      int   `gorm:"not null"`
	Status       string
	RateLockedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (LoanFileModel) TableName() string { return "loan_files" }
