// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model hosts the language model providers and the router that
// fronts them. Providers share one interface; the router adds failover,
// model listing, and the cost rate table.
package model

import (
	"context"
	"fmt"

	"github.com/kadirpekel/warden/pkg/config"
)

// Message roles on the chat wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Name is the tool name on tool-role messages.
	Name string `json:"name,omitempty"`

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolCalls carries calls previously issued by the assistant so the
	// provider sees its own turn history.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// ToolDefinition describes a callable function offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Usage counts tokens for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Request is a provider-agnostic completion request. Model names a
// registered provider and is consumed by the router; MaxTokens and
// Temperature override the provider defaults when set.
type Request struct {
	Model       string           `json:"model,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"maxTokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Response is a complete (non-streamed) provider answer.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Stream chunk types.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// StreamChunk is one streamed fragment. A stream carries zero or more
// text and tool_call chunks and ends with exactly one done or error
// chunk; done carries the usage when the provider reports it.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// LLM is one configured model provider.
type LLM interface {
	// Model returns the upstream model identifier.
	Model() string

	// Type returns the provider family (openai, anthropic, ...).
	Type() string

	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream starts a streaming completion. The returned channel is
	// closed after the terminal chunk; abandoning the channel leaks the
	// producer until the context is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)

	Close() error
}

// New constructs a provider from configuration.
func New(cfg *config.ModelConfig) (LLM, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Type {
	case "openai":
		return NewOpenAI(&c)
	case "anthropic":
		return NewAnthropic(&c)
	case "gemini":
		return NewGemini(&c)
	case "ollama":
		return NewOllama(&c), nil
	case "static":
		return NewStatic(&c), nil
	default:
		return nil, fmt.Errorf("unsupported model type: %s", c.Type)
	}
}

// lastUserMessage returns the content of the most recent user turn.
func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
