package tools

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/loanhive/loanhive/internal/fault"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(nil, slog.New(slog.DiscardHandler))
}

func echoDef() *Definition {
	return &Definition{
		ID:       101,
		Name:     "echo",
		Category: CategoryCompute,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required":             []any{"text"},
			"additionalProperties": false,
		},
	}
}

func TestRegisterDefinition_InvalidSchema(t *testing.T) {
	r := testRegistry(t)
	def := &Definition{
		ID:         1,
		Name:       "broken",
		Parameters: map[string]any{"type": 42},
	}
	if err := r.RegisterDefinition(context.Background(), def); !errors.Is(err, ErrInvalidToolSchema) {
		t.Fatalf("err = %v, want ErrInvalidToolSchema", err)
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("invalid definition should not be cached")
	}
}

func TestRegisterHandler_StrictDuplicate(t *testing.T) {
	r := testRegistry(t).Strict()
	fn := func(ctx context.Context, tc *Context) *Result { return OK(nil) }
	if err := r.RegisterHandler(101, fn); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler(101, fn); !errors.Is(err, ErrHandlerRegistered) {
		t.Fatalf("err = %v, want ErrHandlerRegistered", err)
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := testRegistry(t)
	res := r.Invoke(context.Background(), 999, &Context{Args: map[string]any{}})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.ErrKind != fault.KindConfig {
		t.Fatalf("kind = %q, want %q", res.ErrKind, fault.KindConfig)
	}
}

func TestInvoke_NoHandler(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDefinition(context.Background(), echoDef()); err != nil {
		t.Fatal(err)
	}
	res := r.Invoke(context.Background(), 101, &Context{Args: map[string]any{"text": "hi"}})
	if res.OK || res.ErrKind != fault.KindConfig {
		t.Fatalf("result = %+v, want config failure", res)
	}
}

func TestInvoke_ArgumentValidation(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDefinition(context.Background(), echoDef()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler(101, func(ctx context.Context, tc *Context) *Result {
		return OK(map[string]any{"echo": tc.Args["text"]})
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), 101, &Context{AgentID: 10, Args: map[string]any{"bogus": true}})
	if res.OK {
		t.Fatal("expected validation failure")
	}
	if res.ErrKind != fault.KindToolArgument {
		t.Fatalf("kind = %q, want %q", res.ErrKind, fault.KindToolArgument)
	}

	res = r.Invoke(context.Background(), 10, &Context{AgentID: 10, Args: map[string]any{"text": "hi"}})
	if res.OK {
		t.Fatal("wrong tool id should not validate")
	}

	res = r.Invoke(context.Background(), 101, &Context{AgentID: 10, Args: map[string]any{"text": "hi"}})
	if !res.OK {
		t.Fatalf("invoke failed: %s: %s", res.ErrKind, res.ErrMessage)
	}
	if res.Value["echo"] != "hi" {
		t.Fatalf("value = %v", res.Value)
	}
}

func TestInvoke_RateLimited(t *testing.T) {
	r := testRegistry(t)
	def := echoDef()
	def.RateLimit = 2
	if err := r.RegisterDefinition(context.Background(), def); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler(101, func(ctx context.Context, tc *Context) *Result {
		return OK(nil)
	}); err != nil {
		t.Fatal(err)
	}

	tc := &Context{AgentID: 10, Args: map[string]any{"text": "x"}}
	for i := 0; i < 2; i++ {
		if res := r.Invoke(context.Background(), 101, tc); !res.OK {
			t.Fatalf("call %d: %s", i, res.ErrMessage)
		}
	}
	res := r.Invoke(context.Background(), 101, tc)
	if res.OK {
		t.Fatal("expected rate limit")
	}
	if res.ErrKind != fault.KindTransient {
		t.Fatalf("kind = %q, want %q", res.ErrKind, fault.KindTransient)
	}

	// A different agent has its own budget.
	other := &Context{AgentID: 11, Args: map[string]any{"text": "x"}}
	if res := r.Invoke(context.Background(), 101, other); !res.OK {
		t.Fatalf("other agent limited: %s", res.ErrMessage)
	}
}

func TestInvoke_PanicRecovered(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDefinition(context.Background(), echoDef()); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler(101, func(ctx context.Context, tc *Context) *Result {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	res := r.Invoke(context.Background(), 101, &Context{AgentID: 10, Args: map[string]any{"text": "x"}})
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.ErrKind != fault.KindPermanent {
		t.Fatalf("kind = %q, want %q", res.ErrKind, fault.KindPermanent)
	}
}

func TestInvoke_NilSchemaAcceptsAnything(t *testing.T) {
	r := testRegistry(t)
	if err := r.RegisterDefinition(context.Background(), &Definition{ID: 5, Name: "any"}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler(5, func(ctx context.Context, tc *Context) *Result {
		return OK(nil)
	}); err != nil {
		t.Fatal(err)
	}
	res := r.Invoke(context.Background(), 5, &Context{Args: map[string]any{"whatever": 1}})
	if !res.OK {
		t.Fatalf("invoke failed: %s", res.ErrMessage)
	}
}
