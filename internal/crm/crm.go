// Package crm holds the mortgage CRM entities the built-in tools act on:
// leads, follow-up tasks, calendar entries, and loan files. The HTTP CRUD
// surface for these lives outside the orchestration core; tool handlers
// reach them through the Store interface on their ToolContext.
package crm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a CRM entity does not exist.
var ErrNotFound = errors.New("crm: not found")

// LeadStage tracks where a lead sits in the pipeline.
type LeadStage string

const (
	StageNew         LeadStage = "new"
	StageContacted   LeadStage = "contacted"
	StageQualified   LeadStage = "qualified"
	StageApplication LeadStage = "application"
	StageClosed      LeadStage = "closed"
	StageLost        LeadStage = "lost"
)

// Lead is a prospective borrower.
type Lead struct {
	ID        int64
	Name      string
	Email     string
	Phone     string
	Stage     LeadStage
	Notes     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FollowUpTask is a to-do attached to a lead.
type FollowUpTask struct {
	ID          uuid.UUID
	LeadID      int64
	Description string
	DueAt       time.Time
	Done        bool
	CreatedAt   time.Time
}

// CalendarEvent is an appointment on a loan officer's calendar.
type CalendarEvent struct {
	ID        uuid.UUID
	LeadID    int64
	Title     string
	StartsAt  time.Time
	EndsAt    time.Time
	CreatedAt time.Time
}

// LoanStatus tracks a loan file through origination.
type LoanStatus string

const (
	LoanPrequal      LoanStatus = "prequal"
	LoanProcessing   LoanStatus = "processing"
	LoanUnderwriting LoanStatus = "underwriting"
	LoanRateLocked   LoanStatus = "rate_locked"
	LoanFunded       LoanStatus = "funded"
	LoanDenied       LoanStatus = "denied"
)

// LoanFile is an in-flight mortgage application.
type LoanFile struct {
	ID           int64
	LeadID       int64
	AmountCents  int64
	RateBps      int // Interest rate in basis points (675 = 6.75%).
	Status       LoanStatus
	RateLockedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence interface for CRM entities.
type Store interface {
	GetLead(ctx context.Context, id int64) (*Lead, error)
	SaveLead(ctx context.Context, lead *Lead) error
	AppendLeadNote(ctx context.Context, id int64, note string) error

	CreateFollowUp(ctx context.Context, task *FollowUpTask) error
	ListFollowUps(ctx context.Context, leadID int64) ([]FollowUpTask, error)

	CreateCalendarEvent(ctx context.Context, ev *CalendarEvent) error

	GetLoanFile(ctx context.Context, id int64) (*LoanFile, error)
	SaveLoanFile(ctx context.Context, lf *LoanFile) error
}
