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

package tool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/registry"
)

const (
	// DefaultExecTimeout bounds a single tool execution.
	DefaultExecTimeout = 60 * time.Second

	// DefaultMaxResultBytes truncates oversized tool output.
	DefaultMaxResultBytes = 1 << 20
)

// Registry holds built-in tools by id and external toolsets by server name.
// Built-in registration happens at startup; MCP toolsets connect lazily on
// first resolution.
type Registry struct {
	builtins *registry.BaseRegistry[Tool]
	toolsets *registry.BaseRegistry[Toolset]

	execTimeout    time.Duration
	maxResultBytes int
}

// RegistryOption tunes registry execution caps.
type RegistryOption func(*Registry)

// WithExecTimeout overrides the per-execution deadline.
func WithExecTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.execTimeout = d }
}

// WithMaxResultBytes overrides the output truncation cap.
func WithMaxResultBytes(n int) RegistryOption {
	return func(r *Registry) { r.maxResultBytes = n }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		builtins:       registry.NewBaseRegistry[Tool](),
		toolsets:       registry.NewBaseRegistry[Toolset](),
		execTimeout:    DefaultExecTimeout,
		maxResultBytes: DefaultMaxResultBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a built-in tool under its definition id.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.ID == "" {
		return fmt.Errorf("tool has no id")
	}
	if !strings.HasPrefix(def.ID, "builtin:") {
		return fmt.Errorf("built-in tool id must carry builtin: prefix, got %q", def.ID)
	}
	return r.builtins.Register(def.ID, t)
}

// RegisterToolset adds an external toolset under its server name.
func (r *Registry) RegisterToolset(ts Toolset) error {
	return r.toolsets.Register(ts.Name(), ts)
}

// Servers returns the registered toolset names.
func (r *Registry) Servers() []string {
	return r.toolsets.Names()
}

// Count returns the number of registered built-in tools.
func (r *Registry) Count() int {
	return r.builtins.Count()
}

// Definitions returns all built-in definitions plus the definitions of
// every toolset that is already reachable. Unreachable servers are skipped
// with a warning rather than failing the listing.
func (r *Registry) Definitions(ctx context.Context) []Definition {
	var defs []Definition
	for _, t := range r.builtins.List() {
		defs = append(defs, t.Definition())
	}
	for _, ts := range r.toolsets.List() {
		tools, err := ts.Tools(ctx)
		if err != nil {
			slog.Warn("Skipping unreachable tool server", "server", ts.Name(), "error", err)
			continue
		}
		for _, t := range tools {
			defs = append(defs, t.Definition())
		}
	}
	return defs
}

// Resolve finds a tool by id. "mcp:<server>:<tool>" ids route through the
// named toolset; everything else is a built-in lookup.
func (r *Registry) Resolve(ctx context.Context, id string) (Tool, error) {
	if strings.HasPrefix(id, "mcp:") {
		parts := strings.SplitN(id, ":", 3)
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed tool id %q: want mcp:<server>:<tool>", id)
		}
		ts, ok := r.toolsets.Get(parts[1])
		if !ok {
			return nil, fmt.Errorf("tool server %q not configured", parts[1])
		}
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool server %q: %w", parts[1], err)
		}
		for _, t := range tools {
			if t.Definition().ID == id {
				return t, nil
			}
		}
		return nil, fmt.Errorf("tool %q not found on server %q", parts[2], parts[1])
	}

	t, ok := r.builtins.Get(id)
	if !ok {
		return nil, fmt.Errorf("tool %q not found", id)
	}
	return t, nil
}

// Execute resolves and runs a tool under the registry's time and output
// caps, stamping ExecutionTimeMs on the result. A handler error is folded
// into a failed Result so callers always get the structured shape; the
// second return value reports resolution failures only.
func (r *Registry) Execute(ctx context.Context, callerID, id string, args map[string]any) (*Result, error) {
	t, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()

	started := time.Now()
	result, err := t.Execute(execCtx, callerID, args)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			result = Fail("tool %s timed out after %s", id, r.execTimeout)
		} else {
			result = Fail("%v", err)
		}
	}
	if result == nil {
		result = Fail("tool %s returned no result", id)
	}
	result.ExecutionTimeMs = elapsed

	if len(result.Content) > r.maxResultBytes {
		result.Content = result.Content[:r.maxResultBytes]
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		result.Metadata["truncated"] = true
	}
	return result, nil
}

// Close shuts down all registered toolsets.
func (r *Registry) Close() error {
	var firstErr error
	for _, ts := range r.toolsets.List() {
		if err := ts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
