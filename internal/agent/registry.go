package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoAgentResolvable is returned when no resolution rule yields an
// active agent for an event.
var ErrNoAgentResolvable = errors.New("no agent resolvable for event")

// EventRef carries the fields of an event that resolution needs. The
// full event type lives upstream in the orchestrator package.
type EventRef struct {
	TargetAgentID *int64
	Source        string
}

// Registry caches active agent configurations in memory.
// Thread-safe for concurrent reads; Reload replaces the cache wholesale.
type Registry struct {
	mu     sync.RWMutex
	agents map[int64]Config
	routes map[string]Type // event source → agent type
	store  Store
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given store. routes maps
// event sources (e.g. "email") to the agent type that should handle them.
func NewRegistry(store Store, routes map[string]Type, logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[int64]Config),
		routes: routes,
		store:  store,
		logger: logger,
	}
}

// Reload replaces the cache with the store's current contents.
func (r *Registry) Reload(ctx context.Context) error {
	configs, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	agents := make(map[int64]Config, len(configs))
	for _, cfg := range configs {
		agents[cfg.ID] = cfg
	}

	r.mu.Lock()
	r.agents = agents
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "agent registry reloaded", slog.Int("agents", len(agents)))
	return nil
}

// Save writes the config through to the store and refreshes the cache
// entry on success.
func (r *Registry) Save(ctx context.Context, cfg *Config) error {
	if err := r.store.SaveAgent(ctx, cfg); err != nil {
		return err
	}
	r.mu.Lock()
	r.agents[cfg.ID] = *cfg
	r.mu.Unlock()
	return nil
}

// Get returns the cached config for an agent id.
func (r *Registry) Get(id int64) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.agents[id]
	return cfg, ok
}

// ListActive returns all active agents ordered by id.
func (r *Registry) ListActive() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for _, cfg := range r.agents {
		if cfg.Status == StatusActive {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveForEvent returns candidate agent ids for an event, best first.
// Rules, in order:
//  1. The event's target agent, if set and active.
//  2. The active agent of the type mapped to the event source, lowest
//     id first for determinism.
//  3. The dispatcher agent.
//
// Returns ErrNoAgentResolvable when no rule matches.
func (r *Registry) ResolveForEvent(ev EventRef) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ev.TargetAgentID != nil {
		if cfg, ok := r.agents[*ev.TargetAgentID]; ok && cfg.Status == StatusActive {
			return []int64{cfg.ID}, nil
		}
	}

	if typ, ok := r.routes[ev.Source]; ok {
		if ids := r.activeOfType(typ); len(ids) > 0 {
			return ids[:1], nil
		}
	}

	if ids := r.activeOfType(TypeDispatcher); len(ids) > 0 {
		return ids[:1], nil
	}

	return nil, ErrNoAgentResolvable
}

// activeOfType returns active agent ids of the given type, ascending.
// Caller must hold at least a read lock.
func (r *Registry) activeOfType(typ Type) []int64 {
	var ids []int64
	for _, cfg := range r.agents {
		if cfg.Type == typ && cfg.Status == StatusActive {
			ids = append(ids, cfg.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
