package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metherx/cellagent/types"
)

func TestClient_GenerateWithToolCall(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "calculator", "arguments": map[string]any{"expression": "2+2"}}},
				},
			},
			"prompt_eval_count": 10,
			"eval_count":        5,
			"done":              true,
		})
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL), WithModel("qwen3"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Generate(context.Background(), types.Request{
		SystemPrompt: "be helpful",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "what is 2+2?"},
		},
		Tools: []types.ToolDefinition{
			{Name: "calculator", Description: "math", JSONSchema: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if captured.Model != "qwen3" {
		t.Fatalf("expected model qwen3, got %q", captured.Model)
	}
	if captured.Stream {
		t.Fatalf("streaming must be disabled")
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Fatalf("system prompt must lead the messages: %#v", captured.Messages)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "calculator" {
		t.Fatalf("tools not forwarded: %#v", captured.Tools)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.Name != "calculator" || call.ID == "" {
		t.Fatalf("unexpected tool call: %#v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["expression"] != "2+2" {
		t.Fatalf("unexpected arguments: %#v", args)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %#v", resp.Usage)
	}
}

func TestClient_GenerateTextAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "4"},
			"done":    true,
		})
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	resp, err := client.Generate(context.Background(), types.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "what is 2+2?"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Message.Content != "4" || len(resp.Message.ToolCalls) != 0 {
		t.Fatalf("unexpected response: %#v", resp.Message)
	}
}

func TestClient_GenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := New(WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := client.Generate(context.Background(), types.Request{}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestEmbedder_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Input != "hello" {
			t.Errorf("unexpected request: %#v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float64{{0.1, 0.2, 0.3}},
		})
	}))
	defer server.Close()

	embedder, err := NewEmbedder(WithEmbedderBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewEmbedder failed: %v", err)
	}
	vec, err := embedder.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Fatalf("unexpected vector: %#v", vec)
	}
}

func TestEmbedder_EmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{}})
	}))
	defer server.Close()

	embedder, err := NewEmbedder(WithEmbedderBaseURL(server.URL))
	if err != nil {
		t.Fatalf("NewEmbedder failed: %v", err)
	}
	if _, err := embedder.Embed(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for empty embedding response")
	}
}
