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

// Package tool defines the gateway's tool surface: typed definitions,
// the execution contract, and the registry that routes invocations to
// built-in handlers or external MCP servers.
//
// Built-in tools carry "builtin:" ids; MCP tools carry "mcp:<server>:<tool>"
// ids and are resolved lazily through their toolset. Every definition
// declares the capability permissions it needs as "category.action[resource]"
// strings; the dispatcher parses these and checks the caller's grants before
// execution reaches the handler.
package tool

import (
	"context"
	"fmt"
	"strings"
)

// ===== DEFINITION =====

// Definition describes one invocable tool. InputSchema follows JSON Schema
// and is surfaced verbatim to callers via list_tools.
type Definition struct {
	// ID is the invocation key: "builtin:<name>" or "mcp:<server>:<tool>".
	ID string `json:"id"`

	// Name is the short human name (no prefix).
	Name string `json:"name"`

	Description string `json:"description"`

	// Category groups tools for discovery (file, web, system, compute, mcp).
	Category string `json:"category,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// RequiredPermissions are "category.action" or "category.action[resource]"
	// strings the caller's capabilities must cover.
	RequiredPermissions []string `json:"requiredPermissions,omitempty"`

	// RequiresConfirmation forces the approval gate regardless of the
	// caller's trust level.
	RequiresConfirmation bool `json:"requiresConfirmation,omitempty"`

	// ResourceArg names the argument holding the structural resource
	// (file path, URL, command) consulted by the permission and policy
	// gates. Empty when the tool has no structural resource.
	ResourceArg string `json:"resourceArg,omitempty"`

	// InputSchema is the JSON schema for the tool's arguments.
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Server returns the server segment of an "mcp:<server>:<tool>" id, or ""
// for built-ins.
func (d Definition) Server() string {
	if !strings.HasPrefix(d.ID, "mcp:") {
		return ""
	}
	parts := strings.SplitN(d.ID, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// ===== PERMISSIONS =====

// Permission is one parsed "category.action[resource]" requirement.
type Permission struct {
	Category string
	Action   string
	Resource string
}

func (p Permission) String() string {
	s := p.Category + "." + p.Action
	if p.Resource != "" {
		s += "[" + p.Resource + "]"
	}
	return s
}

// ParsePermission parses a "category.action" or "category.action[resource]"
// requirement string.
func ParsePermission(s string) (Permission, error) {
	var p Permission
	rest := s
	if i := strings.IndexByte(rest, '['); i >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return p, fmt.Errorf("malformed permission %q: unterminated resource", s)
		}
		p.Resource = rest[i+1 : len(rest)-1]
		rest = rest[:i]
	}
	i := strings.IndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return p, fmt.Errorf("malformed permission %q: want category.action", s)
	}
	p.Category = rest[:i]
	p.Action = rest[i+1:]
	return p, nil
}

// ===== RESULT =====

// Result is the outcome of one tool execution. Content carries the primary
// textual output; Metadata carries the structured remainder.
type Result struct {
	Success         bool           `json:"success"`
	Content         string         `json:"content,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// Succeed builds a successful result.
func Succeed(content string, metadata map[string]any) *Result {
	return &Result{Success: true, Content: content, Metadata: metadata}
}

// Fail builds a failed result with the given message.
func Fail(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ===== TOOL =====

// Tool is one invocable unit. Execute receives the caller's agent id so
// handlers can scope side effects; it returns a Result for tool-level
// failures (bad arguments, blocked resources) and an error only for
// infrastructure faults the registry should surface as upstream errors.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, callerID string, args map[string]any) (*Result, error)
}

// Toolset is a named source of external tools, connected lazily.
type Toolset interface {
	Name() string
	Tools(ctx context.Context) ([]Tool, error)
	Close() error
}
