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

package usage

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/warden/pkg/config"
)

// Meter runs the limit checks for one task admission and books consumption
// into the window store. Store failures fail open: an unreachable store
// degrades metering, it never takes request serving down with it.
type Meter struct {
	store Store
	costs *CostTable
}

// NewMeter builds a meter over store. A nil store falls back to an
// in-process one; a nil cost table falls back to the built-in rates.
func NewMeter(store Store, costs *CostTable) *Meter {
	if store == nil {
		store = NewMemoryStore()
	}
	if costs == nil {
		costs = DefaultCostTable()
	}
	return &Meter{store: store, costs: costs}
}

// Check compares the agent's current window and cumulative cost against its
// limits. The delta names what the task is about to consume and selects
// which gates apply; its amounts are not added to the comparison, so a task
// is admitted as long as the window has not already reached the limit.
// Returns nil when every gate passes. The caller owns the audit record and
// alert for a violation.
func (m *Meter) Check(ctx context.Context, agentID string, limits *config.LimitsConfig, cumulativeCost float64, d Delta) *Violation {
	w, err := m.store.Usage(ctx, agentID)
	if err != nil {
		slog.Warn("Usage window unavailable, admitting task unmetered", "agent", agentID, "error", err)
		return nil
	}
	return checkWindow(w, limits, cumulativeCost, d)
}

// CheckAndRecord runs the limit checks and, when they pass, books d into
// the window as one store operation, so two simultaneous admissions for
// the same agent cannot both see pre-booking capacity. A violation leaves
// the window untouched and returns a nil receipt; a store failure admits
// unmetered with an already-refunded receipt, matching Check.
func (m *Meter) CheckAndRecord(ctx context.Context, agentID string, limits *config.LimitsConfig, cumulativeCost float64, d Delta) (*Receipt, *Violation) {
	r, v, err := m.store.CheckAndRecord(ctx, agentID, d, func(w Window) *Violation {
		return checkWindow(w, limits, cumulativeCost, d)
	})
	if err != nil {
		slog.Warn("Usage admission unavailable, admitting task unmetered", "agent", agentID, "error", err)
		return &Receipt{AgentID: agentID, Delta: d, refunded: true}, nil
	}
	return r, v
}

// checkWindow applies the limit gates to one window snapshot. The delta
// names what the task is about to consume and selects which gates apply;
// its amounts are not added to the comparison.
func checkWindow(w Window, limits *config.LimitsConfig, cumulativeCost float64, d Delta) *Violation {
	if d.Requests > 0 && exceeds(w.Requests, limits.RequestsPerMinute) {
		return &Violation{Kind: KindRequests, Current: float64(w.Requests), Limit: float64(limits.RequestsPerMinute)}
	}
	if d.ToolCalls > 0 && exceeds(w.ToolCalls, limits.ToolCallsPerMinute) {
		return &Violation{Kind: KindToolCalls, Current: float64(w.ToolCalls), Limit: float64(limits.ToolCallsPerMinute)}
	}
	if d.Tokens > 0 && exceeds(w.Tokens, limits.TokensPerMinute) {
		return &Violation{Kind: KindTokens, Current: float64(w.Tokens), Limit: float64(limits.TokensPerMinute)}
	}
	if limits.CostBudgetUSD > 0 && cumulativeCost >= limits.CostBudgetUSD {
		return &Violation{Kind: KindCost, Current: cumulativeCost, Limit: limits.CostBudgetUSD}
	}
	return nil
}

// Record books d against the agent's window before provider I/O starts.
// On store failure the task proceeds unbooked and the returned receipt
// refunds nothing.
func (m *Meter) Record(ctx context.Context, agentID string, d Delta) *Receipt {
	r, err := m.store.Record(ctx, agentID, d)
	if err != nil {
		slog.Warn("Usage record failed", "agent", agentID, "error", err)
		return &Receipt{AgentID: agentID, Delta: d, refunded: true}
	}
	return r
}

// Refund hands a recorded delta back after a failed execution.
func (m *Meter) Refund(ctx context.Context, r *Receipt) {
	if r == nil {
		return
	}
	if err := m.store.Refund(ctx, r); err != nil {
		slog.Warn("Usage refund failed", "agent", r.AgentID, "error", err)
	}
}

// Usage exposes the agent's current window for directory and status views.
func (m *Meter) Usage(ctx context.Context, agentID string) (Window, error) {
	return m.store.Usage(ctx, agentID)
}

// Reset clears the agent's window, used when an agent is terminated.
func (m *Meter) Reset(ctx context.Context, agentID string) error {
	return m.store.Reset(ctx, agentID)
}

// Cost prices a completed model call in USD.
func (m *Meter) Cost(model string, inputTokens, outputTokens int) float64 {
	return m.costs.Cost(model, inputTokens, outputTokens)
}

// exceeds applies a limit; non-positive limits mean unlimited.
func exceeds(current, limit int) bool {
	return limit > 0 && current >= limit
}
