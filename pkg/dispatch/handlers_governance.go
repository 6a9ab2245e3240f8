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
	"encoding/json"
	"time"

	"github.com/kadirpekel/warden/pkg/capability"
	"github.com/kadirpekel/warden/pkg/governance"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func (d *Dispatcher) executeGovernance(ctx context.Context, t *task) (any, error) {
	switch t.typ {
	case protocol.TaskAuditQuery:
		return d.handleAuditQuery(ctx, t)
	case protocol.TaskCapabilityList:
		return d.handleCapabilityList(ctx, t)
	case protocol.TaskCapabilityGrant:
		return d.handleCapabilityGrant(ctx, t)
	case protocol.TaskCapabilityRevoke:
		return d.handleCapabilityRevoke(ctx, t)
	case protocol.TaskCapabilityRevokeAll:
		return d.handleCapabilityRevokeAll(ctx, t)
	case protocol.TaskPolicyCreate:
		return d.handlePolicyCreate(ctx, t)
	case protocol.TaskPolicyList:
		policies := d.gov.Policies()
		return map[string]any{"policies": policies, "count": len(policies)}, nil
	case protocol.TaskPolicySetStatus:
		p, err := d.gov.SetPolicyStatus(ctx, str(t.payload, "policyId"), str(t.payload, "status"))
		if err != nil {
			return nil, err
		}
		t.resourceID = p.ID
		return p, nil
	case protocol.TaskModerationCaseOpen:
		c, err := d.gov.OpenCase(ctx, str(t.payload, "subjectAgentId"),
			str(t.payload, "policyId"), str(t.payload, "reason"), mapval(t.payload, "evidence"))
		if err != nil {
			return nil, err
		}
		t.resourceID = c.ID
		return c, nil
	case protocol.TaskModerationCaseList:
		cases := d.gov.Cases(str(t.payload, "subjectAgentId"), str(t.payload, "status"))
		return map[string]any{"cases": cases, "count": len(cases)}, nil
	case protocol.TaskModerationCaseResolve:
		c, err := d.gov.ResolveCase(ctx, str(t.payload, "caseId"), str(t.payload, "resolution"))
		if err != nil {
			return nil, err
		}
		t.resourceID = c.ID
		return c, nil
	case protocol.TaskAppealOpen:
		a, err := d.gov.OpenAppeal(ctx, str(t.payload, "caseId"),
			t.entry.ExternalID, str(t.payload, "reason"))
		if err != nil {
			return nil, err
		}
		t.resourceID = a.ID
		return a, nil
	case protocol.TaskAppealList:
		appeals := d.gov.Appeals(str(t.payload, "subjectAgentId"), str(t.payload, "status"))
		return map[string]any{"appeals": appeals, "count": len(appeals)}, nil
	case protocol.TaskAppealResolve:
		a, err := d.gov.ResolveAppeal(ctx, str(t.payload, "appealId"),
			boolean(t.payload, "accept"), str(t.payload, "resolution"))
		if err != nil {
			return nil, err
		}
		t.resourceID = a.ID
		return a, nil
	case protocol.TaskSanctionApply:
		sn, err := d.gov.ApplySanction(ctx, str(t.payload, "subjectAgentId"),
			governance.SanctionType(str(t.payload, "sanctionType")),
			str(t.payload, "details"), str(t.payload, "caseId"))
		if err != nil {
			return nil, err
		}
		t.resourceID = sn.ID
		return sn, nil
	case protocol.TaskSanctionList:
		sanctions := d.gov.Sanctions(str(t.payload, "subjectAgentId"), boolean(t.payload, "activeOnly"))
		return map[string]any{"sanctions": sanctions, "count": len(sanctions)}, nil
	case protocol.TaskSanctionLift:
		sn, err := d.gov.LiftSanction(ctx, str(t.payload, "sanctionId"))
		if err != nil {
			return nil, err
		}
		t.resourceID = sn.ID
		return sn, nil
	}
	return nil, protocol.Errorf(protocol.CodeInternal, "no governance handler for %s", t.typ)
}

func (d *Dispatcher) handleAuditQuery(ctx context.Context, t *task) (any, error) {
	records, err := d.gov.Records(ctx, governance.Query{
		ActorID:      str(t.payload, "actorId"),
		Action:       str(t.payload, "action"),
		ResourceType: str(t.payload, "resourceType"),
		Outcome:      governance.Outcome(str(t.payload, "outcome")),
		Limit:        intval(t.payload, "limit"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"records": records, "count": len(records)}, nil
}

func (d *Dispatcher) handleCapabilityList(ctx context.Context, t *task) (any, error) {
	agentID := strOr(t.payload, "agentId", t.entry.ExternalID)
	grants, err := d.caps.List(ctx, agentID, boolean(t.payload, "includeInactive"))
	if err != nil {
		return nil, err
	}
	t.resourceID = agentID
	return map[string]any{"grants": grants, "count": len(grants)}, nil
}

func (d *Dispatcher) handleCapabilityGrant(ctx context.Context, t *task) (any, error) {
	// Round-trip through JSON so nested permission objects take their
	// typed shape without a hand-rolled field walk.
	raw, err := json.Marshal(t.payload["permissions"])
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "permissions not serializable: %v", err)
	}
	var permissions []capability.Permission
	if err := json.Unmarshal(raw, &permissions); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "permissions malformed: %v", err)
	}
	if len(permissions) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "permissions must not be empty")
	}

	ttl := time.Duration(num(t.payload, "durationMs")) * time.Millisecond
	g, err := d.caps.Grant(ctx, str(t.payload, "agentId"), permissions,
		str(t.payload, "purpose"), ttl)
	if err != nil {
		return nil, err
	}
	t.resourceID = g.ID
	t.details = map[string]any{"granteeId": g.AgentID}
	return g, nil
}

func (d *Dispatcher) handleCapabilityRevoke(ctx context.Context, t *task) (any, error) {
	id := str(t.payload, "tokenId")
	if err := d.caps.Revoke(ctx, id); err != nil {
		return nil, err
	}
	t.resourceID = id
	return map[string]any{"revoked": true, "tokenId": id}, nil
}

func (d *Dispatcher) handleCapabilityRevokeAll(ctx context.Context, t *task) (any, error) {
	agentID := str(t.payload, "agentId")
	n, err := d.caps.RevokeAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	t.resourceID = agentID
	return map[string]any{"revoked": n, "agentId": agentID}, nil
}

func (d *Dispatcher) handlePolicyCreate(ctx context.Context, t *task) (any, error) {
	raw, err := json.Marshal(t.payload["rules"])
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "rules not serializable: %v", err)
	}
	var rules []governance.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "rules malformed: %v", err)
	}

	p, err := d.gov.CreatePolicy(ctx, &governance.Policy{
		Name:        str(t.payload, "name"),
		Description: str(t.payload, "description"),
		Status:      strOr(t.payload, "status", governance.PolicyActive),
		Rules:       rules,
	})
	if err != nil {
		return nil, err
	}
	t.resourceID = p.ID
	return p, nil
}
