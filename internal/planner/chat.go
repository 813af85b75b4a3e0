package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/llm"
	"github.com/loanhive/loanhive/internal/tools"
)

const planningInstructions = `You plan work for a mortgage CRM assistant.
Respond with tool calls for the actions to take, in order. If no action
is needed, answer in plain text instead. Each tool call may include an
"on_error" argument ("abort", "continue", or "replan") controlling what
happens if that step fails.`

// ChatPlanner drives a chat completion provider with function calling.
// Only the agent's allowed tools are surfaced to the model, and a plan
// that still references anything else is rejected.
type ChatPlanner struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *slog.Logger
}

var _ Planner = (*ChatPlanner)(nil)

// NewChatPlanner creates a planner over the given provider and tool
// registry.
func NewChatPlanner(provider llm.Provider, registry *tools.Registry, logger *slog.Logger) *ChatPlanner {
	return &ChatPlanner{provider: provider, registry: registry, logger: logger}
}

// Plan asks the model for tool calls and converts them into steps.
func (p *ChatPlanner) Plan(ctx context.Context, cfg *agent.Config, packet *ContextPacket) (*Plan, error) {
	req := &llm.Request{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt + "\n\n" + planningInstructions,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderPacket(packet)},
		},
		Tools: p.allowedTools(cfg),
	}

	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, err, fmt.Sprintf("completion for agent %d", cfg.ID))
	}

	plan := &Plan{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
	}

	if !resp.HasToolCalls() {
		plan.FinalAnswer = resp.Content
		return plan, nil
	}

	for i, call := range resp.ToolCalls {
		def, ok := p.registry.ByName(call.Name)
		if !ok || !cfg.Allowed(def.ID) {
			return nil, fault.New(fault.KindToolNotPermitted,
				"agent %d may not call tool %q", cfg.ID, call.Name)
		}

		args, policy := extractPolicy(call.Arguments)
		plan.Steps = append(plan.Steps, Step{
			Index:    i,
			ToolID:   def.ID,
			ToolName: def.Name,
			Args:     args,
			OnError:  policy,
			Status:   StepPending,
		})
	}

	if max := cfg.MaxPlanSteps; max > 0 && len(plan.Steps) > max {
		p.logger.WarnContext(ctx, "truncating plan",
			slog.Int64("agent_id", cfg.ID),
			slog.Int("steps", len(plan.Steps)),
			slog.Int("max", max),
		)
		plan.Steps = plan.Steps[:max]
	}

	return plan, nil
}

// allowedTools surfaces only the agent's allow-listed tool definitions.
func (p *ChatPlanner) allowedTools(cfg *agent.Config) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(cfg.AllowedTools))
	for _, id := range cfg.AllowedTools {
		def, ok := p.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// extractPolicy pulls the reserved "on_error" key out of the arguments
// so it never reaches schema validation. Unrecognized values fall back
// to abort.
func extractPolicy(args map[string]any) (map[string]any, ErrorPolicy) {
	policy := OnErrorAbort
	raw, ok := args["on_error"]
	if !ok {
		return args, policy
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "on_error" {
			continue
		}
		out[k] = v
	}
	switch ErrorPolicy(fmt.Sprint(raw)) {
	case OnErrorContinue:
		policy = OnErrorContinue
	case OnErrorReplan:
		policy = OnErrorReplan
	}
	return out, policy
}

// renderPacket serializes the context packet into the user message.
func renderPacket(packet *ContextPacket) string {
	doc := map[string]any{
		"event": map[string]any{
			"id":      packet.Event.EventID,
			"source":  packet.Event.Source,
			"type":    packet.Event.Type,
			"payload": packet.Event.Payload,
		},
	}
	if packet.Caller != "" {
		doc["caller"] = packet.Caller
	}
	if len(packet.RecentMessages) > 0 {
		msgs := make([]map[string]any, 0, len(packet.RecentMessages))
		for _, m := range packet.RecentMessages {
			msgs = append(msgs, map[string]any{
				"from":     m.SenderID,
				"type":     string(m.Type),
				"priority": string(m.Priority),
				"payload":  m.Payload,
			})
		}
		doc["recent_messages"] = msgs
	}
	if len(packet.PriorExecutions) > 0 {
		prior := make([]map[string]any, 0, len(packet.PriorExecutions))
		for _, e := range packet.PriorExecutions {
			prior = append(prior, map[string]any{
				"event_type": e.EventType,
				"status":     e.Status,
				"summary":    e.Summary,
			})
		}
		doc["prior_executions"] = prior
	}
	if len(packet.FailedSteps) > 0 {
		failed := make([]map[string]any, 0, len(packet.FailedSteps))
		for _, s := range packet.FailedSteps {
			failed = append(failed, map[string]any{
				"tool":  s.ToolName,
				"error": s.ErrMessage,
				"kind":  string(s.ErrKind),
			})
		}
		doc["failed_steps"] = failed
		doc["instruction"] = "A previous plan failed on the steps above. Produce a revised plan that avoids repeating the failure."
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Sprintf("event %d from %s", packet.Event.EventID, packet.Event.Source)
	}
	return string(b)
}
