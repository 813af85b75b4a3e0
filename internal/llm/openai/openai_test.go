package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loanhive/loanhive/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %d", len(req.Messages))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "done"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	c := NewClient("key", testLogger(), WithBaseURL(srv.URL))
	resp, err := c.Complete(context.Background(), &llm.Request{
		Model:        "gpt-4o",
		SystemPrompt: "you are a mortgage assistant",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q, want done", resp.Content)
	}
	if resp.HasToolCalls() {
		t.Error("expected no tool calls")
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "update_lead_note" {
			t.Errorf("tools not forwarded: %+v", req.Tools)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "update_lead_note",
							"arguments": `{"lead_id":5,"note":"locked at 6.75"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 18},
		})
	}))
	defer srv.Close()

	c := NewClient("key", testLogger(), WithBaseURL(srv.URL))
	resp, err := c.Complete(context.Background(), &llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "lock the rate"}},
		Tools: []llm.ToolDefinition{{
			Name:       "update_lead_note",
			Parameters: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "update_lead_note" || tc.ID != "call_1" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments["note"] != "locked at 6.75" {
		t.Errorf("arguments = %v", tc.Arguments)
	}
}

func TestComplete_MalformedToolArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "update_lead_note",
							"arguments": `{"lead_id":5,`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 40, "completion_tokens": 18},
		})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	c := NewClient("key", logger, WithBaseURL(srv.URL))
	resp, err := c.Complete(context.Background(), &llm.Request{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "lock the rate"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// The call survives with nil arguments rather than being dropped.
	if !resp.HasToolCalls() {
		t.Fatal("expected tool call despite bad arguments")
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "update_lead_note" || tc.Arguments != nil {
		t.Errorf("tool call = %+v", tc)
	}
	if !strings.Contains(buf.String(), "malformed tool call arguments") {
		t.Errorf("bad arguments not logged: %s", buf.String())
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("key", testLogger(), WithBaseURL(srv.URL))
	_, err := c.Complete(context.Background(), &llm.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
