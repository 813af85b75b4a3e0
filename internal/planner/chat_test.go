package planner

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/fault"
	"github.com/loanhive/loanhive/internal/llm"
	"github.com/loanhive/loanhive/internal/tools"
)

type fakeProvider struct {
	lastReq *llm.Request
	resp    *llm.Response
	err     error
}

func (f *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func testTools(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil, slog.New(slog.DiscardHandler))
	defs := []tools.Definition{
		{ID: 101, Name: "update_lead_note", Description: "append a note"},
		{ID: 102, Name: "create_followup_task", Description: "create a task"},
		{ID: 105, Name: "lock_rate", Description: "lock a rate"},
	}
	for i := range defs {
		if err := reg.RegisterDefinition(context.Background(), &defs[i]); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func testAgent() *agent.Config {
	return &agent.Config{
		ID:           10,
		Name:         "coordinator",
		Model:        "gpt-4o",
		SystemPrompt: "You coordinate loan workflows.",
		AllowedTools: []int64{101, 102},
		MaxPlanSteps: 8,
	}
}

func testPacket() *ContextPacket {
	return &ContextPacket{
		Event: EventSnapshot{EventID: 1, Source: "email", Type: "email_received",
			Payload: map[string]any{"subject": "rate question"}},
	}
}

func TestPlan_FinalAnswer(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{Content: "No action needed."}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	plan, err := p.Plan(context.Background(), testAgent(), testPacket())
	if err != nil {
		t.Fatal(err)
	}
	if plan.FinalAnswer != "No action needed." {
		t.Fatalf("final answer = %q", plan.FinalAnswer)
	}
	if len(plan.Steps) != 0 {
		t.Fatalf("got %d steps, want 0", len(plan.Steps))
	}
}

func TestPlan_ToolCallsBecomeSteps(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "update_lead_note", Arguments: map[string]any{
				"lead_id": float64(7), "note": "called back", "on_error": "continue"}},
			{ID: "c2", Name: "create_followup_task", Arguments: map[string]any{
				"lead_id": float64(7), "description": "send quote"}},
		},
	}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	plan, err := p.Plan(context.Background(), testAgent(), testPacket())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(plan.Steps))
	}

	s0 := plan.Steps[0]
	if s0.ToolID != 101 || s0.OnError != OnErrorContinue || s0.Status != StepPending {
		t.Fatalf("step 0 = %+v", s0)
	}
	if _, ok := s0.Args["on_error"]; ok {
		t.Fatal("on_error should be stripped from step args")
	}
	if s0.Args["note"] != "called back" {
		t.Fatalf("step 0 args = %v", s0.Args)
	}

	if plan.Steps[1].OnError != OnErrorAbort {
		t.Fatalf("step 1 policy = %q, want default abort", plan.Steps[1].OnError)
	}
}

func TestPlan_DisallowedToolRejected(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "lock_rate", Arguments: map[string]any{"loan_id": float64(1)}},
		},
	}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	_, err := p.Plan(context.Background(), testAgent(), testPacket())
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !fault.Is(err, fault.KindToolNotPermitted) {
		t.Fatalf("err = %v, want tool_not_permitted", err)
	}
}

func TestPlan_UnknownToolRejected(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: "drop_tables", Arguments: map[string]any{}}},
	}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	_, err := p.Plan(context.Background(), testAgent(), testPacket())
	if !fault.Is(err, fault.KindToolNotPermitted) {
		t.Fatalf("err = %v, want tool_not_permitted", err)
	}
}

func TestPlan_TruncatesToMaxSteps(t *testing.T) {
	var calls []llm.ToolCall
	for i := 0; i < 5; i++ {
		calls = append(calls, llm.ToolCall{
			ID: "c", Name: "update_lead_note",
			Arguments: map[string]any{"lead_id": float64(1), "note": "n"},
		})
	}
	provider := &fakeProvider{resp: &llm.Response{ToolCalls: calls}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	cfg := testAgent()
	cfg.MaxPlanSteps = 3
	plan, err := p.Plan(context.Background(), cfg, testPacket())
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(plan.Steps))
	}
}

func TestPlan_OnlyAllowedToolsSurfaced(t *testing.T) {
	provider := &fakeProvider{resp: &llm.Response{Content: "ok"}}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	if _, err := p.Plan(context.Background(), testAgent(), testPacket()); err != nil {
		t.Fatal(err)
	}
	if provider.lastReq == nil {
		t.Fatal("provider not called")
	}
	if len(provider.lastReq.Tools) != 2 {
		t.Fatalf("surfaced %d tools, want 2", len(provider.lastReq.Tools))
	}
	for _, td := range provider.lastReq.Tools {
		if td.Name == "lock_rate" {
			t.Fatal("lock_rate is not in the allow-list")
		}
	}
}

func TestPlan_ProviderErrorIsTransient(t *testing.T) {
	provider := &fakeProvider{err: errors.New("upstream 503")}
	p := NewChatPlanner(provider, testTools(t), slog.New(slog.DiscardHandler))

	_, err := p.Plan(context.Background(), testAgent(), testPacket())
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("err = %v, want transient", err)
	}
}
