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
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/registry"
)

// Result is what a routed completion returns to callers.
type Result struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	Model      string     `json:"model"`
	Usage      Usage      `json:"usage"`
	ProviderID string     `json:"providerId"`
	LatencyMs  int64      `json:"latencyMs"`
}

// StreamHandle carries a live completion stream together with the
// identity of the provider that accepted it.
type StreamHandle struct {
	Chunks     <-chan StreamChunk
	Model      string
	ProviderID string
}

// ModelInfo describes one configured provider for listing calls.
type ModelInfo struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

type routeEntry struct {
	name     string
	priority int
	provider LLM
}

// Router fans completion requests out across the configured providers.
// A request naming a model is sent to that provider first; on failure
// the router falls through the remaining providers in priority order
// before reporting an upstream error. Mid-stream failures are not
// retried since partial output has already been delivered.
type Router struct {
	providers *registry.BaseRegistry[LLM]
	order     []routeEntry
	rates     *RateTable
}

// NewRouter builds providers for every model configuration and orders
// them by priority (highest first, name breaking ties).
func NewRouter(models map[string]config.ModelConfig) (*Router, error) {
	r := &Router{
		providers: registry.NewBaseRegistry[LLM](),
		rates:     NewRateTable(),
	}

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := models[name]
		provider, err := New(&cfg)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeValidation, "model %q: %v", name, err)
		}
		if err := r.providers.Register(name, provider); err != nil {
			return nil, err
		}
		r.order = append(r.order, routeEntry{name: name, priority: cfg.Priority, provider: provider})

		if cfg.InputCostPer1K != nil || cfg.OutputCostPer1K != nil {
			rate := r.rates.Rate(provider.Model())
			if cfg.InputCostPer1K != nil {
				rate.Input = *cfg.InputCostPer1K
			}
			if cfg.OutputCostPer1K != nil {
				rate.Output = *cfg.OutputCostPer1K
			}
			r.rates.Set(provider.Model(), rate)
		}
	}

	sort.SliceStable(r.order, func(i, j int) bool {
		if r.order[i].priority != r.order[j].priority {
			return r.order[i].priority > r.order[j].priority
		}
		return r.order[i].name < r.order[j].name
	})
	return r, nil
}

// Rates exposes the pricing table so usage accounting shares the
// configured overrides.
func (r *Router) Rates() *RateTable { return r.rates }

// Get returns a provider by its configured name.
func (r *Router) Get(name string) (LLM, bool) { return r.providers.Get(name) }

// Count reports how many providers are configured.
func (r *Router) Count() int { return len(r.order) }

// ListModels returns the configured providers in routing order.
func (r *Router) ListModels() []ModelInfo {
	infos := make([]ModelInfo, 0, len(r.order))
	for _, e := range r.order {
		infos = append(infos, ModelInfo{
			ID:       e.name,
			Model:    e.provider.Model(),
			Type:     e.provider.Type(),
			Priority: e.priority,
		})
	}
	return infos
}

// Route runs the request against the first healthy provider and
// reports which one answered.
func (r *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	candidates := r.candidates(req.Model)
	if len(candidates) == 0 {
		return nil, protocol.NewError(protocol.CodeUpstream, "no model providers configured")
	}

	var lastErr error
	for _, e := range candidates {
		start := time.Now()
		resp, err := e.provider.Generate(ctx, req)
		if err == nil {
			return &Result{
				Content:    resp.Content,
				ToolCalls:  resp.ToolCalls,
				Model:      e.provider.Model(),
				Usage:      resp.Usage,
				ProviderID: e.name,
				LatencyMs:  time.Since(start).Milliseconds(),
			}, nil
		}
		lastErr = err
		slog.Warn("Model provider failed", "provider", e.name, "model", e.provider.Model(), "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, protocol.Errorf(protocol.CodeUpstream, "all model providers failed: %v", lastErr)
}

// Stream opens a completion stream on the first provider that accepts
// the request. Provider failover only happens before the stream
// starts.
func (r *Router) Stream(ctx context.Context, req *Request) (*StreamHandle, error) {
	candidates := r.candidates(req.Model)
	if len(candidates) == 0 {
		return nil, protocol.NewError(protocol.CodeUpstream, "no model providers configured")
	}

	var lastErr error
	for _, e := range candidates {
		chunks, err := e.provider.Stream(ctx, req)
		if err == nil {
			return &StreamHandle{
				Chunks:     chunks,
				Model:      e.provider.Model(),
				ProviderID: e.name,
			}, nil
		}
		lastErr = err
		slog.Warn("Model provider rejected stream", "provider", e.name, "model", e.provider.Model(), "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, protocol.Errorf(protocol.CodeUpstream, "all model providers failed: %v", lastErr)
}

// Close shuts every provider down.
func (r *Router) Close() error {
	var firstErr error
	for _, e := range r.order {
		if err := e.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// candidates orders providers for one request. A preferred model moves
// the matching provider to the front; unknown names fall back to plain
// priority order so requests still complete while the client catches
// up with the catalog.
func (r *Router) candidates(preferred string) []routeEntry {
	if preferred == "" {
		return r.order
	}
	ordered := make([]routeEntry, 0, len(r.order))
	rest := make([]routeEntry, 0, len(r.order))
	for _, e := range r.order {
		if e.name == preferred || e.provider.Model() == preferred {
			ordered = append(ordered, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(ordered, rest...)
}
