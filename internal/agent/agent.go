// Package agent defines agent configurations and the in-memory registry
// that resolves inbound events to agents. The store is authoritative;
// the registry is a read-mostly cache reloaded on config changes.
package agent

import (
	"context"
	"time"
)

// Type identifies an agent's role. The set is closed.
type Type string

const (
	TypeReceptionist Type = "receptionist"
	TypeCoordinator  Type = "coordinator"
	TypeAuditor      Type = "auditor"
	TypeResearcher   Type = "researcher"
	TypeScribe       Type = "scribe"
	TypeDispatcher   Type = "dispatcher"
	TypeGeneralist   Type = "generalist"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusRetired Status = "retired"
)

// RiskLevel is the coarse authorization band shared by agents (as a
// ceiling) and tools (as a level).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// rank orders risk levels for ceiling comparisons. Unknown levels rank
// highest so a typo never widens authorization.
func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// Allows reports whether a tool at the given level fits under this ceiling.
func (r RiskLevel) Allows(level RiskLevel) bool {
	return level.rank() <= r.rank()
}

// Config is a stored agent configuration.
type Config struct {
	ID           int64
	Name         string
	Type         Type
	Status       Status
	Model        string // Passed opaque to the chat-completion provider.
	SystemPrompt string
	AllowedTools []int64
	RiskCeiling  RiskLevel
	MaxPlanSteps int // ≥ 1
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Allowed reports whether the agent may use the given tool id.
func (c *Config) Allowed(toolID int64) bool {
	for _, id := range c.AllowedTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// Store is the persistence interface for agent configurations.
type Store interface {
	ListAgents(ctx context.Context) ([]Config, error)
	SaveAgent(ctx context.Context, cfg *Config) error
}
