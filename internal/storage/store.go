// Package storage defines the unified Store interface the backends
// implement. Three backends exist: in-memory (tests, demos), SQLite
// (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/crm"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/tools"
)

// Driver names for backend selection.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultDriver is used when configuration names no driver.
const DefaultDriver = DriverSQLite

// Store is the unified persistence interface. Every backend serves all
// domain sub-stores from one connection so cross-store operations (event
// plus ingestion record) can share a transaction scope.
type Store interface {
	agent.Store
	tools.Store
	orchestrator.EventStore
	orchestrator.ExecutionStore
	bus.MessageStore
	ingest.Store
	crm.Store

	// Ping checks backend health for readiness probes.
	Ping(ctx context.Context) error
	Close() error
}
