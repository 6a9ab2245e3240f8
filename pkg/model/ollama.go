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

package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/ollama"
)

// Ollama talks to a local or remote Ollama server's chat API.
type Ollama struct {
	cfg    *config.ModelConfig
	client *ollama.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
	Tools    []openaiTool        `json:"tools,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolName  string           `json:"tool_name,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
	Error           string            `json:"error,omitempty"`
}

func NewOllama(cfg *config.ModelConfig) *Ollama {
	return &Ollama{
		cfg:    cfg,
		client: ollama.NewClient(cfg.BaseURL, cfg.Timeout.Std()),
	}
}

func (p *Ollama) Model() string { return p.cfg.Model }
func (p *Ollama) Type() string  { return "ollama" }
func (p *Ollama) Close() error  { return nil }

func (p *Ollama) Generate(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.Post(ctx, "/api/chat", p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to reach Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ollamaStatusError(resp)
	}

	var decoded ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("Ollama API error: %s", decoded.Error)
	}

	out := &Response{
		Content: decoded.Message.Content,
		Usage: Usage{
			InputTokens:  decoded.PromptEvalCount,
			OutputTokens: decoded.EvalCount,
			TotalTokens:  decoded.PromptEvalCount + decoded.EvalCount,
		},
	}
	for i, tc := range decoded.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (p *Ollama) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := p.stream(ctx, req, out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

// stream reads the NDJSON chat stream. Tool calls are accumulated by
// index and emitted on the final (done) line.
func (p *Ollama) stream(ctx context.Context, req *Request, out chan<- StreamChunk) error {
	resp, err := p.client.PostStream(ctx, "/api/chat", p.buildRequest(req, true))
	if err != nil {
		return fmt.Errorf("failed to reach Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ollamaStatusError(resp)
	}

	reader := bufio.NewReader(resp.Body)
	var toolCalls []ollamaToolCall

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("Ollama API error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			select {
			case out <- StreamChunk{Type: ChunkText, Text: chunk.Message.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		toolCalls = append(toolCalls, chunk.Message.ToolCalls...)

		if chunk.Done {
			for i, tc := range toolCalls {
				call := ToolCall{
					ID:   fmt.Sprintf("call_%d", i),
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}
				select {
				case out <- StreamChunk{Type: ChunkToolCall, ToolCall: &call}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			usage := &Usage{
				InputTokens:  chunk.PromptEvalCount,
				OutputTokens: chunk.EvalCount,
				TotalTokens:  chunk.PromptEvalCount + chunk.EvalCount,
			}
			select {
			case out <- StreamChunk{Type: ChunkDone, Usage: usage}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
	}

	select {
	case out <- StreamChunk{Type: ChunkDone}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Ollama) buildRequest(req *Request, stream bool) ollamaChatRequest {
	messages := make([]ollamaChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := ollamaChatMessage{
			Role:     m.Role,
			Content:  m.Content,
			ToolName: m.Name,
		}
		for i, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ollamaToolCall{
				Function: ollamaToolFunction{
					Index:     i,
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}
		messages = append(messages, msg)
	}

	out := ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}

	opts := &ollamaOptions{}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	} else if p.cfg.Temperature != nil {
		opts.Temperature = *p.cfg.Temperature
	}
	opts.NumPredict = pickMaxTokens(req.MaxTokens, p.cfg.MaxTokens)
	if opts.Temperature > 0 || opts.NumPredict > 0 {
		out.Options = opts
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{
			Type:     "function",
			Function: openaiToolFunction(t),
		})
	}
	return out
}

func ollamaStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var decoded struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
		return fmt.Errorf("Ollama API error: %s", decoded.Error)
	}
	return fmt.Errorf("Ollama request failed with status %d: %s", resp.StatusCode, body)
}
