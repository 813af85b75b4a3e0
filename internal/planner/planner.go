// Package planner turns an event plus agent context into an executable
// plan: an ordered list of tool-call steps, or a final answer when no
// tool work is needed. The production implementation drives a chat
// completion model with function calling; the orchestrator only sees
// the Planner interface.
package planner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/fault"
)

// ErrorPolicy says what the executor does when a step fails after its
// retries are exhausted.
type ErrorPolicy string

const (
	// OnErrorAbort fails the execution, skipping remaining steps.
	OnErrorAbort ErrorPolicy = "abort"
	// OnErrorContinue records the failure and moves on.
	OnErrorContinue ErrorPolicy = "continue"
	// OnErrorReplan asks the planner for a fresh plan with the failure
	// in context.
	OnErrorReplan ErrorPolicy = "replan"
)

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one tool call in a plan. Attempts counts handler invocations
// including retries.
type Step struct {
	Index      int
	ToolID     int64
	ToolName   string
	Args       map[string]any
	OnError    ErrorPolicy
	Status     StepStatus
	Attempts   int
	Result     map[string]any
	ErrKind    fault.Kind
	ErrMessage string
}

// Plan is an ordered list of steps for one execution. Generation starts
// at 1 and increments on each replan.
type Plan struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	Generation  int
	Steps       []Step
	FinalAnswer string // Set when the model answered without tool calls.
	CreatedAt   time.Time
}

// EventSnapshot is the triggering event as the planner sees it.
type EventSnapshot struct {
	EventID int64
	Source  string
	Type    string
	Payload map[string]any
}

// ExecutionSummary is a compact record of a prior execution for the
// same agent, included so the model does not repeat finished work.
type ExecutionSummary struct {
	ExecutionID uuid.UUID
	EventType   string
	Status      string
	Summary     string
	FinishedAt  time.Time
}

// ContextPacket is everything the planner gets to reason over.
type ContextPacket struct {
	Event           EventSnapshot
	Caller          string
	RecentMessages  []bus.Message
	PriorExecutions []ExecutionSummary
	// FailedSteps carries the failures that triggered a replan. Empty
	// on the first generation.
	FailedSteps []Step
}

// Planner produces a plan for an agent facing an event.
type Planner interface {
	Plan(ctx context.Context, cfg *agent.Config, packet *ContextPacket) (*Plan, error)
}
