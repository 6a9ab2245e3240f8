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
	"github.com/kadirpekel/warden/pkg/httpclient"
)

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAI talks to the OpenAI chat completions API.
type OpenAI struct {
	cfg  *config.ModelConfig
	host string
	http *httpclient.Client
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiStreamResponse struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiError         `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openaiDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func NewOpenAI(cfg *config.ModelConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for openai")
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultOpenAIHost
	}
	return &OpenAI{
		cfg:  cfg,
		host: host,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Std()}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAI) Model() string { return p.cfg.Model }
func (p *OpenAI) Type() string  { return "openai" }
func (p *OpenAI) Close() error  { return nil }

func (p *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	body, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp openaiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("OpenAI API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := resp.Choices[0]
	toolCalls, err := parseOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		if err := p.stream(ctx, p.buildRequest(req, true), out); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAI) buildRequest(req *Request, stream bool) openaiRequest {
	messages := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}

	out := openaiRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if maxTokens := pickMaxTokens(req.MaxTokens, p.cfg.MaxTokens); maxTokens > 0 {
		out.MaxTokens = &maxTokens
	}
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		out.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = openaiTool{Type: "function", Function: openaiToolFunction(t)}
		}
		out.ToolChoice = "auto"
	}
	return out
}

// post sends the request and returns the body of a 200 response. The
// retrying client hands back declined non-2xx responses with a nil
// error; the provider error payload is surfaced from the body.
func (p *OpenAI) post(ctx context.Context, request openaiRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseOpenAIErrorBody(body); apiErr != nil {
			return nil, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("OpenAI request failed with status %d: %s", resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (p *OpenAI) stream(ctx context.Context, request openaiRequest, out chan<- StreamChunk) error {
	body, err := p.post(ctx, request)
	if err != nil {
		return err
	}
	defer body.Close()

	reader := bufio.NewReader(body)
	pending := make([]openaiToolCall, 0, 2)
	var usage *Usage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk openaiStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("OpenAI API error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			select {
			case out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Tool calls arrive split across deltas: the first fragment
		// carries the id and name, the rest append argument JSON.
		for _, delta := range choice.Delta.ToolCalls {
			if delta.ID != "" {
				pending = append(pending, delta)
			} else if n := len(pending); n > 0 {
				pending[n-1].Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			if err := flushOpenAIToolCalls(ctx, pending, out); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}

	if err := flushOpenAIToolCalls(ctx, pending, out); err != nil {
		return err
	}
	select {
	case out <- StreamChunk{Type: ChunkDone, Usage: usage}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func flushOpenAIToolCalls(ctx context.Context, calls []openaiToolCall, out chan<- StreamChunk) error {
	if len(calls) == 0 {
		return nil
	}
	parsed, err := parseOpenAIToolCalls(calls)
	if err != nil {
		return err
	}
	for i := range parsed {
		select {
		case out <- StreamChunk{Type: ChunkToolCall, ToolCall: &parsed[i]}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func parseOpenAIToolCalls(calls []openaiToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out[i] = ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return out, nil
}

func parseOpenAIErrorBody(body []byte) *openaiError {
	if len(body) == 0 {
		return nil
	}
	var resp struct {
		Error openaiError `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return &resp.Error
	}
	return nil
}

func pickMaxTokens(request, configured int) int {
	if request > 0 {
		return request
	}
	return configured
}
