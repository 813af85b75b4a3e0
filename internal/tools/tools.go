// Package tools defines tool definitions, the handler dispatch table,
// and the invocation pipeline. Definitions are data-driven (loaded from
// the store and refreshable); handlers are registered explicitly at
// startup. Invoke validates arguments against the definition's JSON
// Schema, enforces the tool's per-agent rate limit, and returns a tagged
// ok/err result — handler failures never propagate as Go errors.
package tools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/fault"
)

// Category classifies what a tool does. The set is closed.
type Category string

const (
	CategoryRead        Category = "read"
	CategoryWrite       Category = "write"
	CategoryCommunicate Category = "communicate"
	CategoryCompute     Category = "compute"
	CategoryExternal    Category = "external"
)

// Definition is a stored tool definition.
type Definition struct {
	ID          int64
	Name        string
	Description string
	Category    Category
	Risk        agent.RiskLevel
	Parameters  map[string]any // JSON Schema object for the arguments.
	Idempotent  bool
	RateLimit   int // Calls per minute per agent. 0 = unlimited.
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the persistence interface for tool definitions.
type Store interface {
	ListTools(ctx context.Context) ([]Definition, error)
	SaveTool(ctx context.Context, def *Definition) error
}

// Context is the per-invocation bundle passed to a handler.
type Context struct {
	ExecutionID uuid.UUID
	AgentID     int64
	Caller      string
	Args        map[string]any
	CRM         crm.Store
}

// Handler executes one tool call. Failures are reported through the
// Result, not a Go error; only genuine bugs should panic.
type Handler func(ctx context.Context, tc *Context) *Result

// OutboundMessage is a bus message produced by a tool. The orchestrator
// posts it after recording the step result.
type OutboundMessage struct {
	RecipientID *int64 // nil = broadcast
	Type        string
	Priority    string
	Payload     map[string]any
}

// Result is the tagged outcome of a tool invocation.
type Result struct {
	OK         bool
	Value      map[string]any // Set when OK.
	ErrKind    fault.Kind     // Set when !OK.
	ErrMessage string
	Messages   []OutboundMessage // Posted to the bus on success.
}

// OK builds a success result.
func OK(value map[string]any) *Result {
	return &Result{OK: true, Value: value}
}

// Err builds a failure result.
func Err(kind fault.Kind, message string) *Result {
	return &Result{OK: false, ErrKind: kind, ErrMessage: message}
}

// Error converts the result into a classified error, or nil when OK.
func (r *Result) Error() error {
	if r.OK {
		return nil
	}
	return fault.New(r.ErrKind, "%s", r.ErrMessage)
}
