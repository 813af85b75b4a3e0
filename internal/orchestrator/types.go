package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/planner"
)

// EventStatus is the lifecycle state of an inbound event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventDispatched EventStatus = "dispatched"
	EventCompleted  EventStatus = "completed"
	EventFailed     EventStatus = "failed"
)

// Event is an inbound trigger: an ingested email, a webhook, an API
// call, or a timer firing. The store assigns the id.
type Event struct {
	ID            int64
	Source        string // "email", "sms", "api", "timer", "voice"
	Type          string // e.g. "email_received", "rate_alert"
	Payload       map[string]any
	TargetAgentID *int64 // nil = route by source
	Caller        string // originating principal, for audit and context
	Status        EventStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionStatus is the lifecycle state of one agent's work on one
// event.
type ExecutionStatus string

const (
	ExecQueued       ExecutionStatus = "queued"
	ExecPlanning     ExecutionStatus = "planning"
	ExecRunning      ExecutionStatus = "running"
	ExecAwaitingTool ExecutionStatus = "awaiting_tool"
	ExecCompleted    ExecutionStatus = "completed"
	ExecFailed       ExecutionStatus = "failed"
	ExecCancelled    ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecCompleted, ExecFailed, ExecCancelled:
		return true
	}
	return false
}

// Execution is one agent's run against one event. At most one execution
// exists per (agent, event) pair; the store enforces it.
type Execution struct {
	ID         uuid.UUID
	AgentID    int64
	EventID    int64
	Status     ExecutionStatus
	Plans      []planner.Plan // Generation 1..n, last is current.
	Summary    string         // Final answer or synthesized result.
	ErrKind    fault.Kind
	ErrMessage string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CurrentPlan returns the latest plan generation, or nil before
// planning finished.
func (e *Execution) CurrentPlan() *planner.Plan {
	if len(e.Plans) == 0 {
		return nil
	}
	return &e.Plans[len(e.Plans)-1]
}

// ErrDuplicateExecution is returned by CreateExecution when the
// (agent, event) pair already has an execution.
var ErrDuplicateExecution = errors.New("execution already exists for agent and event")

// ErrNotFound is returned when an event or execution does not exist.
var ErrNotFound = errors.New("not found")

// ErrExecutionFinished is returned when cancelling an execution that is
// already terminal.
var ErrExecutionFinished = errors.New("execution already finished")

// EventStore persists events.
type EventStore interface {
	// SaveEvent inserts (assigning the id) or updates an event.
	SaveEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id int64) (*Event, error)
	SetEventStatus(ctx context.Context, id int64, status EventStatus) error
}

// ExecutionStore persists executions, plans included.
type ExecutionStore interface {
	// CreateExecution inserts a new execution, failing with
	// ErrDuplicateExecution when the (agent, event) pair is taken.
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	// GetExecutionByEvent returns the execution for an (agent, event)
	// pair, or ErrNotFound.
	GetExecutionByEvent(ctx context.Context, agentID, eventID int64) (*Execution, error)
	// ListExecutions returns executions newest first, optionally
	// filtered by status ("" = all).
	ListExecutions(ctx context.Context, status ExecutionStatus, limit int) ([]Execution, error)
	// RecentFinished returns the agent's latest terminal executions,
	// newest first.
	RecentFinished(ctx context.Context, agentID int64, limit int) ([]Execution, error)
}
