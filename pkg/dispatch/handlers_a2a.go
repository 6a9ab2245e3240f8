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
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

func (d *Dispatcher) executeA2A(ctx context.Context, t *task) (any, error) {
	if d.engine == nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "a2a engine not configured")
	}

	switch t.typ {
	case protocol.TaskA2A, protocol.TaskA2AAsync:
		v, err := d.engine.Submit(ctx, t.entry.ExternalID,
			str(t.payload, "targetAgentId"), mapval(t.payload, "task"))
		if err != nil {
			return nil, err
		}
		t.resourceID = v.ID
		t.details = map[string]any{"targetAgentId": v.ToAgentID}
		return v, nil

	case protocol.TaskA2ASync:
		timeout := time.Duration(num(t.payload, "timeoutMs")) * time.Millisecond
		v, err := d.engine.SubmitSync(ctx, t.entry.ExternalID,
			str(t.payload, "targetAgentId"), mapval(t.payload, "task"), timeout)
		if err != nil {
			return nil, err
		}
		t.resourceID = v.ID
		t.details = map[string]any{"targetAgentId": v.ToAgentID}
		return v, nil

	case protocol.TaskA2AStatus:
		v, err := d.engine.Status(str(t.payload, "taskId"))
		if err != nil {
			return nil, err
		}
		t.resourceID = v.ID
		return v, nil

	case protocol.TaskListSkills:
		return d.handleListSkills(t)

	case protocol.TaskInvokeSkill:
		return d.handleInvokeSkill(ctx, t)
	}
	return nil, protocol.Errorf(protocol.CodeInternal, "no a2a handler for %s", t.typ)
}

func (d *Dispatcher) handleListSkills(t *task) (any, error) {
	agentID := strOr(t.payload, "agentId", t.entry.ExternalID)
	entry, err := d.registry.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	skills := entry.Config.Skills
	t.resourceID = agentID
	return map[string]any{"agentId": agentID, "skills": skills, "count": len(skills)}, nil
}

func (d *Dispatcher) handleInvokeSkill(ctx context.Context, t *task) (any, error) {
	skillID := str(t.payload, "skillId")
	if allowed := t.entry.Config.AllowedSkills; len(allowed) > 0 && !containsString(allowed, skillID) {
		return nil, protocol.Errorf(protocol.CodePermissionDenied,
			"Skill not allowed: %s", skillID)
	}

	payload := map[string]any{"skillId": skillID}
	for k, v := range mapval(t.payload, "input") {
		if k != "skillId" {
			payload[k] = v
		}
	}

	timeout := time.Duration(num(t.payload, "timeoutMs")) * time.Millisecond
	v, err := d.engine.SubmitSync(ctx, t.entry.ExternalID,
		str(t.payload, "targetAgentId"), payload, timeout)
	if err != nil {
		return nil, err
	}
	t.resourceID = v.ID
	t.details = map[string]any{"targetAgentId": v.ToAgentID, "skillId": skillID}
	return v, nil
}
