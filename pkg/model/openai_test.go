package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kadirpekel/warden/pkg/config"
)

func newOpenAIProvider(t *testing.T, handler http.HandlerFunc) (*OpenAI, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.ModelConfig{
		Type:    "openai",
		Model:   "gpt-4o",
		APIKey:  "test-key",
		BaseURL: server.URL,
	}
	cfg.SetDefaults()
	p, err := NewOpenAI(&cfg)
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return p, server
}

func TestOpenAIGenerate(t *testing.T) {
	var captured openaiRequest
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "All systems nominal."},
				FinishReason: "stop",
			}},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	})

	resp, err := p.Generate(context.Background(), &Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be terse"},
			{Role: RoleUser, Content: "status?"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "All systems nominal." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	if captured.Model != "gpt-4o" {
		t.Errorf("expected configured model on the wire, got %q", captured.Model)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("messages not forwarded: %+v", captured.Messages)
	}
	if captured.Stream {
		t.Error("generate must not set stream")
	}
	if captured.MaxTokens == nil || *captured.MaxTokens != 4096 {
		t.Errorf("default max_tokens not applied: %v", captured.MaxTokens)
	}
}

func TestOpenAIGenerateToolCalls(t *testing.T) {
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{
				Message: openaiMessage{
					Role: "assistant",
					ToolCalls: []openaiToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: openaiFunctionCall{
							Name:      "lookup",
							Arguments: `{"city":"berlin"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	})

	resp, err := p.Generate(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "weather in berlin"}},
		Tools: []ToolDefinition{{
			Name:        "lookup",
			Description: "look up the weather",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "lookup" {
		t.Errorf("unexpected call identity %+v", tc)
	}
	if tc.Args["city"] != "berlin" {
		t.Errorf("arguments not decoded: %+v", tc.Args)
	}
}

func TestOpenAIGenerateForwardsToolHistory(t *testing.T) {
	var captured openaiRequest
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{Content: "done"}}},
		})
	})

	_, err := p.Generate(context.Background(), &Request{
		Messages: []Message{
			{Role: RoleUser, Content: "weather in oslo"},
			{
				Role:      RoleAssistant,
				ToolCalls: []ToolCall{{ID: "call_7", Name: "lookup", Args: map[string]any{"city": "oslo"}}},
			},
			{Role: RoleTool, Name: "lookup", ToolCallID: "call_7", Content: "rainy"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(captured.Messages))
	}
	assistant := captured.Messages[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_7" {
		t.Errorf("assistant tool calls lost: %+v", assistant)
	}
	if !strings.Contains(assistant.ToolCalls[0].Function.Arguments, `"oslo"`) {
		t.Errorf("arguments not marshaled: %q", assistant.ToolCalls[0].Function.Arguments)
	}
	toolMsg := captured.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_7" || toolMsg.Content != "rainy" {
		t.Errorf("tool result not forwarded: %+v", toolMsg)
	}
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	})

	_, err := p.Generate(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("provider message lost: %v", err)
	}
}

func TestOpenAIStream(t *testing.T) {
	var captured openaiRequest
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_9","type":"function","function":{"name":"lookup","arguments":"{\"ci"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"ty\":\"oslo\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	})

	ch, err := p.Stream(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "weather in oslo"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collectChunks(t, ch)

	if !captured.Stream {
		t.Error("stream flag not set on the wire")
	}
	if captured.StreamOptions == nil || !captured.StreamOptions.IncludeUsage {
		t.Error("stream_options.include_usage must be requested")
	}

	if got := streamText(chunks); got != "Hello" {
		t.Errorf("unexpected text %q", got)
	}

	var calls []*ToolCall
	for _, c := range chunks {
		if c.Type == ChunkToolCall {
			calls = append(calls, c.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_9" || calls[0].Name != "lookup" || calls[0].Args["city"] != "oslo" {
		t.Errorf("split tool call not reassembled: %+v", calls[0])
	}

	last := lastChunk(chunks)
	if last.Type != ChunkDone {
		t.Fatalf("expected terminal done chunk, got %q", last.Type)
	}
	if last.Usage == nil || last.Usage.InputTokens != 7 || last.Usage.OutputTokens != 3 {
		t.Errorf("usage not captured from the stream: %+v", last.Usage)
	}
}

func TestOpenAIStreamAPIError(t *testing.T) {
	p, _ := newOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	})

	ch, err := p.Stream(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collectChunks(t, ch)
	last := lastChunk(chunks)
	if last.Type != ChunkError {
		t.Fatalf("expected terminal error chunk, got %q", last.Type)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "overloaded") {
		t.Errorf("provider message lost: %v", last.Err)
	}
}
