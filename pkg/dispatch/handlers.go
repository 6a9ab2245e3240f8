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

package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/model"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// execute routes the validated, admitted task to its handler.
func (d *Dispatcher) execute(ctx context.Context, t *task) (any, error) {
	switch t.typ {
	case protocol.TaskEcho:
		return t.payload, nil
	case protocol.TaskChat:
		return d.handleChat(ctx, t)
	case protocol.TaskListTools:
		return d.handleListTools(ctx, t)
	case protocol.TaskInvokeTool:
		return d.handleInvokeTool(ctx, t)
	case protocol.TaskDiscoverAgents:
		return d.handleDiscoverAgents(ctx, t)
	case protocol.TaskAgentDirectory:
		return d.handleAgentDirectory(ctx, t)
	case protocol.TaskCompute:
		return d.handleCompute(t)
	case protocol.TaskMemoryIntensive:
		return d.handleMemoryIntensive(t)

	case protocol.TaskStoreFact, protocol.TaskRecordEp, protocol.TaskSearchMemory,
		protocol.TaskStoreProcedure, protocol.TaskGetProcedure, protocol.TaskFindProcedures,
		protocol.TaskRecordProcExecution, protocol.TaskIngestDocument:
		return d.executeMemory(ctx, t)

	case protocol.TaskForumCreate, protocol.TaskForumList, protocol.TaskForumPost,
		protocol.TaskForumPosts, protocol.TaskJobPost, protocol.TaskJobList,
		protocol.TaskJobApply, protocol.TaskReputationGet, protocol.TaskReputationList,
		protocol.TaskReputationAdjust:
		return d.executeCommunity(ctx, t)

	case protocol.TaskAuditQuery, protocol.TaskCapabilityList, protocol.TaskCapabilityGrant,
		protocol.TaskCapabilityRevoke, protocol.TaskCapabilityRevokeAll,
		protocol.TaskPolicyCreate, protocol.TaskPolicyList, protocol.TaskPolicySetStatus,
		protocol.TaskModerationCaseOpen, protocol.TaskModerationCaseList,
		protocol.TaskModerationCaseResolve, protocol.TaskAppealOpen, protocol.TaskAppealList,
		protocol.TaskAppealResolve, protocol.TaskSanctionApply, protocol.TaskSanctionList,
		protocol.TaskSanctionLift:
		return d.executeGovernance(ctx, t)

	case protocol.TaskA2A, protocol.TaskA2AAsync, protocol.TaskA2ASync,
		protocol.TaskA2AStatus, protocol.TaskListSkills, protocol.TaskInvokeSkill:
		return d.executeA2A(ctx, t)
	}
	return nil, protocol.Errorf(protocol.CodeValidation, "Unknown task type: %s", t.typ)
}

// handleChat routes the prepared request, then folds actual consumption
// back into the window, the entry, and the provider usage projection.
func (d *Dispatcher) handleChat(ctx context.Context, t *task) (any, error) {
	if d.router == nil || d.router.Count() == 0 {
		return nil, protocol.NewError(protocol.CodeUpstream, "no model providers configured")
	}

	result, err := d.router.Route(ctx, t.chatReq)
	if err != nil {
		return nil, err
	}

	cost := d.foldChatUsage(ctx, t, result)
	in, out := result.Usage.InputTokens, result.Usage.OutputTokens

	return map[string]any{
		"content":    result.Content,
		"model":      result.Model,
		"providerId": result.ProviderID,
		"latencyMs":  result.LatencyMs,
		"usage": map[string]any{
			"inputTokens":  in,
			"outputTokens": out,
			"totalTokens":  in + out,
		},
		"costUsd": cost,
	}, nil
}

func (d *Dispatcher) recordChatEpisode(ctx context.Context, t *task, result *model.Result) {
	if d.mem == nil {
		return
	}
	last := ""
	for _, m := range t.chatReq.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	_, _ = d.mem.RecordEpisode(ctx, &memory.Episode{
		AgentID:    t.entry.ExternalID,
		EventName:  "chat",
		Context:    truncate(last, 512),
		Outcome:    truncate(result.Content, 512),
		Success:    true,
		Importance: 0.3,
		Tags:       []string{"chat", result.Model},
	})
}

func (d *Dispatcher) handleListTools(ctx context.Context, t *task) (any, error) {
	if d.tools == nil {
		return map[string]any{"tools": []any{}, "count": 0}, nil
	}
	defs := d.tools.Definitions(ctx)
	allowed := t.entry.Config.Tools
	kept := defs[:0:0]
	for _, def := range defs {
		if len(allowed) > 0 && !containsString(allowed, def.ID) {
			continue
		}
		if server := def.Server(); server != "" && !containsString(t.entry.Config.ToolServers, server) {
			continue
		}
		kept = append(kept, def)
	}
	return map[string]any{"tools": kept, "count": len(kept)}, nil
}

// handleInvokeTool runs the already-resolved definition. A handler-level
// failure is part of the result, not a dispatch error, so the admission
// booking stands: the call was made.
func (d *Dispatcher) handleInvokeTool(ctx context.Context, t *task) (any, error) {
	args := mapval(t.payload, "arguments")
	result, err := d.tools.Execute(ctx, t.entry.ExternalID, t.toolDef.ID, args)
	if err != nil {
		return nil, err
	}

	t.resourceID = t.toolDef.ID
	t.details = map[string]any{"success": result.Success}
	if !result.Success {
		t.details["error"] = result.Error
	}
	return result, nil
}

func (d *Dispatcher) handleDiscoverAgents(ctx context.Context, t *task) (any, error) {
	snapshots, err := d.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": snapshots, "count": len(snapshots)}, nil
}

// handleAgentDirectory enriches discovery with the live usage window and
// reputation for each agent.
func (d *Dispatcher) handleAgentDirectory(ctx context.Context, t *task) (any, error) {
	snapshots, err := d.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(snapshots))
	for _, snap := range snapshots {
		e := map[string]any{
			"agentId":    snap.ExternalID,
			"name":       snap.Name,
			"state":      string(snap.State),
			"trustLevel": snap.TrustLevel,
			"model":      snap.Model,
			"nodeId":     snap.NodeID,
			"skills":     snap.Skills,
		}
		if w, err := d.meter.Usage(ctx, snap.ExternalID); err == nil {
			e["usage"] = w
		}
		if d.comm != nil {
			e["reputation"] = d.comm.Reputation(snap.ExternalID)
		}
		entries = append(entries, e)
	}
	return map[string]any{"agents": entries, "count": len(entries)}, nil
}

// handleCompute burns a bounded amount of CPU, for load and limit tests.
func (d *Dispatcher) handleCompute(t *task) (any, error) {
	iterations := intval(t.payload, "iterations")
	if iterations <= 0 {
		iterations = 1_000_000
	}
	if iterations > 100_000_000 {
		iterations = 100_000_000
	}

	start := d.now()
	var sum uint64
	for i := 0; i < iterations; i++ {
		sum += uint64(i) * 2654435761
	}
	return map[string]any{
		"result":     sum,
		"iterations": iterations,
		"elapsedMs":  d.now().Sub(start).Milliseconds(),
	}, nil
}

// handleMemoryIntensive allocates against the agent's memory cap and folds
// the gauge into the entry so the health monitor sees the pressure.
func (d *Dispatcher) handleMemoryIntensive(t *task) (any, error) {
	sizeMB := intval(t.payload, "sizeMb")
	if sizeMB <= 0 {
		sizeMB = 10
	}
	if limit := t.entry.Config.MemoryLimitMB; limit > 0 && sizeMB > limit {
		return nil, protocol.Errorf(protocol.CodeValidation,
			"requested %d MB exceeds the agent's %d MB memory limit", sizeMB, limit)
	}

	buf := make([]byte, sizeMB<<20)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	t.entry.SetMemoryBytes(int64(len(buf)))

	return map[string]any{"allocatedMb": sizeMB, "touchedPages": len(buf) / 4096}, nil
}

func (d *Dispatcher) recordProviderUsage(ctx context.Context, t *task, result *model.Result, cost float64) {
	if d.providers == nil {
		return
	}
	row := &ProviderUsage{
		AgentID:      t.entry.ExternalID,
		ProviderID:   result.ProviderID,
		Model:        result.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    result.LatencyMs,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.providers.SaveProviderUsage(ctx, row); err != nil {
		slog.Warn("Provider usage write failed", "agent", row.AgentID, "provider", row.ProviderID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut
}
