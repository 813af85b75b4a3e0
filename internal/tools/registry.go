package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/ratelimit"
)

// ErrInvalidToolSchema is returned when a definition's parameter spec is
// not a valid JSON Schema.
var ErrInvalidToolSchema = errors.New("invalid tool schema")

// ErrHandlerRegistered is returned in strict mode when a handler is
// already installed for a tool id.
var ErrHandlerRegistered = errors.New("handler already registered")

// Registry resolves tool ids to definitions and handlers.
// Definition writes go through the store; the cache refreshes on success.
type Registry struct {
	mu       sync.RWMutex
	defs     map[int64]Definition
	byName   map[string]int64
	schemas  map[int64]*jsonschema.Schema
	handlers map[int64]Handler

	store   Store // nil = cache-only (tests)
	limiter *ratelimit.Limiter
	strict  bool
	logger  *slog.Logger
}

// NewRegistry creates a tool registry backed by the given store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		defs:     make(map[int64]Definition),
		byName:   make(map[string]int64),
		schemas:  make(map[int64]*jsonschema.Schema),
		handlers: make(map[int64]Handler),
		store:    store,
		limiter:  ratelimit.NewLimiter(),
		logger:   logger,
	}
}

// Strict makes duplicate handler registration an error.
func (r *Registry) Strict() *Registry {
	r.strict = true
	return r
}

// Reload replaces cached definitions with the store's current contents.
// Definitions with invalid schemas are skipped with a warning rather than
// failing the whole reload.
func (r *Registry) Reload(ctx context.Context) error {
	defs, err := r.store.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("loading tool definitions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs = make(map[int64]Definition, len(defs))
	r.byName = make(map[string]int64, len(defs))
	r.schemas = make(map[int64]*jsonschema.Schema, len(defs))
	for _, def := range defs {
		schema, err := compileSchema(def.Parameters)
		if err != nil {
			r.logger.WarnContext(ctx, "skipping tool with invalid schema",
				slog.Int64("tool_id", def.ID),
				slog.String("tool", def.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.defs[def.ID] = def
		r.byName[def.Name] = def.ID
		r.schemas[def.ID] = schema
	}

	r.logger.InfoContext(ctx, "tool registry reloaded", slog.Int("tools", len(r.defs)))
	return nil
}

// RegisterDefinition upserts a definition by id, persisting through the
// store when one is configured. Fails with ErrInvalidToolSchema if the
// parameter spec does not compile.
func (r *Registry) RegisterDefinition(ctx context.Context, def *Definition) error {
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidToolSchema, def.Name, err)
	}

	if r.store != nil {
		if err := r.store.SaveTool(ctx, def); err != nil {
			return fmt.Errorf("saving tool %q: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	r.defs[def.ID] = *def
	r.byName[def.Name] = def.ID
	r.schemas[def.ID] = schema
	r.mu.Unlock()
	return nil
}

// RegisterHandler installs or replaces the handler for a tool id.
// In strict mode, replacing fails with ErrHandlerRegistered.
func (r *Registry) RegisterHandler(toolID int64, fn Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[toolID]; exists && r.strict {
		return fmt.Errorf("%w: tool %d", ErrHandlerRegistered, toolID)
	}
	r.handlers[toolID] = fn
	return nil
}

// Get returns the definition for a tool id.
func (r *Registry) Get(toolID int64) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[toolID]
	return def, ok
}

// ByName returns the definition with the given name.
func (r *Registry) ByName(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[id], true
}

// List returns all cached definitions.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

// Invoke validates arguments, enforces the per-agent rate limit, and
// runs the handler. All failures come back as tagged results; a handler
// panic is captured as a permanent error.
func (r *Registry) Invoke(ctx context.Context, toolID int64, tc *Context) (res *Result) {
	r.mu.RLock()
	def, defOK := r.defs[toolID]
	schema := r.schemas[toolID]
	handler, handlerOK := r.handlers[toolID]
	r.mu.RUnlock()

	if !defOK {
		return Err(fault.KindConfig, fmt.Sprintf("unknown tool id %d", toolID))
	}
	if !handlerOK {
		return Err(fault.KindConfig, fmt.Sprintf("no handler registered for tool %q", def.Name))
	}

	if schema != nil {
		if err := schema.Validate(normalizeArgs(tc.Args)); err != nil {
			return Err(fault.KindToolArgument, fmt.Sprintf("tool %q arguments: %v", def.Name, err))
		}
	}

	key := fmt.Sprintf("%d:%d", tc.AgentID, toolID)
	if err := r.limiter.Allow(key, def.RateLimit); err != nil {
		return Err(fault.KindTransient, fmt.Sprintf("tool %q: %v", def.Name, err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "tool handler panicked",
				slog.String("tool", def.Name),
				slog.Any("panic", rec),
			)
			res = Err(fault.KindPermanent, fmt.Sprintf("tool %q panicked: %v", def.Name, rec))
		}
	}()

	return handler(ctx, tc)
}

// compileSchema compiles a JSON Schema object. A nil spec is treated as
// the empty schema (accepts anything).
func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeArgs(params)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// normalizeArgs round-trips a value through JSON semantics so integer
// literals from Go test code validate the same way as decoded wire data.
func normalizeArgs(v map[string]any) any {
	return normalizeValue(v)
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
