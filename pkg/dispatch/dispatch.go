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

// Package dispatch runs every agent task through the gate chain: sanctions,
// lifecycle state, payload schema, approval, capabilities, rate and cost
// budgets, and input safety, in that order, before the per-type handler
// executes. Each gate rejection writes an audit record; admission counters
// are booked before provider I/O and refunded when execution fails.
package dispatch

import (
	"context"
	"time"

	"github.com/kadirpekel/warden/pkg/a2a"
	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/capability"
	"github.com/kadirpekel/warden/pkg/community"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/governance"
	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/memory/ingest"
	"github.com/kadirpekel/warden/pkg/model"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/sanitize"
	"github.com/kadirpekel/warden/pkg/tool"
	"github.com/kadirpekel/warden/pkg/usage"
)

// Options carries the collaborators the dispatcher orchestrates. Registry,
// Governance, Capabilities, and Meter are required; the rest degrade the
// matching task types to typed errors when absent.
type Options struct {
	Registry     *agent.Registry
	Capabilities *capability.Manager
	Meter        *usage.Meter
	Governance   *governance.Service
	Community    *community.Service
	Memory       *memory.Service
	Ingestor     *ingest.Ingestor
	Tools        *tool.Registry
	Router       *model.Router
	Engine       *a2a.Engine
	Bus          *events.Bus
	Sanitizer    *sanitize.Sanitizer
	Providers    ProviderUsageStore
}

// Dispatcher is the gate chain plus the per-type handler table. It is
// re-entrant and holds no lock across I/O.
type Dispatcher struct {
	registry  *agent.Registry
	caps      *capability.Manager
	meter     *usage.Meter
	gov       *governance.Service
	comm      *community.Service
	mem       *memory.Service
	ingestor  *ingest.Ingestor
	tools     *tool.Registry
	router    *model.Router
	engine    *a2a.Engine
	bus       *events.Bus
	sanitizer *sanitize.Sanitizer
	providers ProviderUsageStore

	now func() time.Time
}

// New builds the dispatcher and attaches it to the A2A engine as its
// executor so cross-agent tasks run through the same gates.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:  opts.Registry,
		caps:      opts.Capabilities,
		meter:     opts.Meter,
		gov:       opts.Governance,
		comm:      opts.Community,
		mem:       opts.Memory,
		ingestor:  opts.Ingestor,
		tools:     opts.Tools,
		router:    opts.Router,
		engine:    opts.Engine,
		bus:       opts.Bus,
		sanitizer: opts.Sanitizer,
		providers: opts.Providers,
		now:       time.Now,
	}
	if d.sanitizer == nil {
		d.sanitizer = sanitize.Default
	}
	if d.engine != nil {
		d.engine.SetExecutor(d)
	}
	return d
}

// task is the per-dispatch working state threaded through the gates.
type task struct {
	typ         string
	payload     map[string]any
	entry       *agent.Entry
	fromAgentID string
	spec        taskSpec

	// invoke_tool
	toolDef *tool.Definition

	// chat
	chatReq   *model.Request
	estTokens int

	// set by handlers for the success audit
	resourceID string
	details    map[string]any
}

// Dispatch runs one task submitted directly by the agent itself.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, payload map[string]any) (any, error) {
	return d.dispatch(ctx, agentID, payload, "")
}

// ExecuteAs runs a cross-agent task under the target agent's identity and
// limits. It implements the A2A engine's executor contract; fromAgentID is
// the originator recorded in the audit trail.
func (d *Dispatcher) ExecuteAs(ctx context.Context, targetAgentID string, payload map[string]any, fromAgentID string) (any, error) {
	return d.dispatch(ctx, targetAgentID, payload, fromAgentID)
}

func (d *Dispatcher) dispatch(ctx context.Context, agentID string, payload map[string]any, fromAgentID string) (any, error) {
	t, receipt, err := d.admit(ctx, agentID, payload, fromAgentID)
	if err != nil {
		return nil, err
	}

	result, err := d.execute(ctx, t)
	if err != nil {
		d.settleFailure(ctx, t, receipt, err)
		return nil, err
	}

	d.settleSuccess(ctx, t)
	return result, nil
}

// admit runs the gate chain and books the admission counters. On success the
// caller owns the receipt: it must settle the task exactly once.
func (d *Dispatcher) admit(ctx context.Context, agentID string, payload map[string]any, fromAgentID string) (*task, *usage.Receipt, error) {
	entry, err := d.registry.Lookup(agentID)
	if err != nil {
		return nil, nil, err
	}

	// Gate 1: shape.
	typ, ok := payload["type"].(string)
	if !ok || typ == "" {
		return nil, nil, protocol.NewError(protocol.CodeValidation, "task payload must carry a string type")
	}

	t := &task{typ: typ, payload: payload, entry: entry, fromAgentID: fromAgentID}

	// Gate 2: sanctions. Appeal operations stay open as the escape hatch.
	if !protocol.IsAppealTask(typ) {
		if sn := d.gov.Sanctioned(entry.ExternalID); sn != nil {
			err := protocol.Errorf(protocol.CodeSanctioned, "Agent sanctioned: %s", sn.Type)
			d.auditReject(ctx, t, "sanction.enforced", governance.OutcomeBlocked, map[string]any{
				"sanctionId": sn.ID, "sanctionType": string(sn.Type),
			})
			return nil, nil, err
		}
	}

	// Gate 3: lifecycle state.
	switch state := entry.State(); state {
	case agent.StateTerminated, agent.StateError, agent.StatePaused:
		err := protocol.Errorf(protocol.CodeValidation, "agent is %s and cannot accept tasks", state)
		d.auditReject(ctx, t, "task.rejected", governance.OutcomeBlocked, map[string]any{
			"reason": "state", "state": string(state),
		})
		return nil, nil, err
	}

	// Gate 4: per-type schema.
	if err := d.validate(ctx, t); err != nil {
		d.auditReject(ctx, t, "task.rejected", governance.OutcomeFailure, map[string]any{
			"reason": "validation", "error": protocol.AsError(err).Message,
		})
		return nil, nil, err
	}

	// Gate 5: approval.
	if err := d.approvalGate(ctx, t); err != nil {
		return nil, nil, err
	}

	// Gate 6: permissions.
	if err := d.permissionGate(ctx, t); err != nil {
		return nil, nil, err
	}

	// Gate 7: rate, token rate, and cost budget. The check and the booking
	// are one store operation, so two concurrent admissions for the same
	// agent cannot both see pre-booking capacity.
	admission := d.admissionDelta(t)
	receipt, v := d.meter.CheckAndRecord(ctx, entry.ExternalID, &entry.Config.Limits, entry.CumulativeCost(), admission)
	if v != nil {
		d.auditReject(ctx, t, v.AuditAction(), governance.OutcomeDenied, map[string]any{
			"kind": string(v.Kind), "current": v.Current, "limit": v.Limit,
		})
		d.alert(v.AuditAction(), entry.ExternalID, map[string]any{
			"kind": string(v.Kind), "taskType": typ,
		})
		return nil, nil, v.Typed()
	}

	// Gate 8: input safety for model-bound text.
	if typ == protocol.TaskChat {
		if err := d.safetyGate(ctx, t); err != nil {
			d.meter.Refund(ctx, receipt)
			return nil, nil, err
		}
	}

	entry.Touch(d.now())
	return t, receipt, nil
}

func (d *Dispatcher) settleFailure(ctx context.Context, t *task, receipt *usage.Receipt, err error) {
	d.meter.Refund(ctx, receipt)
	t.entry.RecordOutcome(true, d.now())
	d.audit(ctx, t, t.spec.audit, governance.OutcomeFailure, map[string]any{
		"error": protocol.AsError(err).Message,
	})
}

func (d *Dispatcher) settleSuccess(ctx context.Context, t *task) {
	t.entry.RecordOutcome(false, d.now())
	d.audit(ctx, t, t.spec.audit, governance.OutcomeSuccess, nil)
}

// validate resolves the task spec and checks the payload, plus the
// type-specific resolution the later gates need (tool definition, chat
// request shape).
func (d *Dispatcher) validate(ctx context.Context, t *task) error {
	spec, ok := taskSpecs[t.typ]
	if !ok {
		return protocol.Errorf(protocol.CodeValidation, "Unknown task type: %s", t.typ)
	}
	t.spec = spec

	if err := validateFields(&t.spec, t.payload); err != nil {
		return err
	}

	switch t.typ {
	case protocol.TaskChat:
		return d.resolveChat(t)
	case protocol.TaskInvokeTool:
		return d.resolveTool(ctx, t)
	}
	return nil
}

// resolveChat builds the provider request and the admission token estimate.
func (d *Dispatcher) resolveChat(t *task) error {
	raw, err := mapList(t.payload, "messages")
	if err != nil {
		return protocol.NewError(protocol.CodeValidation, err.Error())
	}
	if len(raw) == 0 {
		return protocol.NewError(protocol.CodeValidation, "messages must not be empty")
	}

	req := &model.Request{Model: strOr(t.payload, "model", t.entry.Config.Model)}
	for i, m := range raw {
		role := str(m, "role")
		content := str(m, "content")
		if role == "" || content == "" {
			return protocol.Errorf(protocol.CodeValidation,
				"messages[%d] must carry role and content", i)
		}
		req.Messages = append(req.Messages, model.Message{Role: role, Content: content})
	}

	req.MaxTokens = intval(t.payload, "maxTokens")
	if limit := t.entry.Config.Limits.MaxTokensPerRequest; limit > 0 && (req.MaxTokens == 0 || req.MaxTokens > limit) {
		req.MaxTokens = limit
	}

	est := 0
	for _, m := range req.Messages {
		est += usage.CountTokens(req.Model, m.Content)
	}
	t.chatReq = req
	t.estTokens = est
	return nil
}

// resolveTool looks the definition up and checks the agent's allow-lists.
// An empty tool allow-list admits every builtin; external servers are only
// reachable when listed.
func (d *Dispatcher) resolveTool(ctx context.Context, t *task) error {
	if d.tools == nil {
		return protocol.NewError(protocol.CodeUpstream, "tool registry is not configured")
	}
	id := str(t.payload, "toolId")

	var def *tool.Definition
	for _, candidate := range d.tools.Definitions(ctx) {
		if candidate.ID == id {
			c := candidate
			def = &c
			break
		}
	}
	if def == nil {
		return protocol.Errorf(protocol.CodeNotFound, "tool %q not found", id)
	}

	if allowed := t.entry.Config.Tools; len(allowed) > 0 && !containsString(allowed, id) {
		return protocol.Errorf(protocol.CodeValidation, "tool %q is not in the agent's allow-list", id)
	}
	if server := def.Server(); server != "" {
		if !containsString(t.entry.Config.ToolServers, server) {
			return protocol.Errorf(protocol.CodeValidation,
				"tool server %q is not in the agent's allow-list", server)
		}
	}

	t.toolDef = def
	return nil
}

// approvalGate requires an explicit approver for supervised agents on any
// mutating task, and for any tool that declares requiresConfirmation.
func (d *Dispatcher) approvalGate(ctx context.Context, t *task) error {
	needed := t.spec.mutating && t.entry.Config.TrustLevel == config.TrustSupervised
	if t.toolDef != nil && t.toolDef.RequiresConfirmation {
		needed = true
	}
	if !needed {
		return nil
	}

	approval := mapval(t.payload, "approval")
	if str(approval, "approvedBy") == "" {
		d.auditReject(ctx, t, "approval.required", governance.OutcomeFailure, map[string]any{
			"trustLevel": t.entry.Config.TrustLevel,
		})
		return protocol.NewError(protocol.CodeApprovalRequired, "Approval required: approvedBy missing")
	}
	return nil
}

// permissionGate checks the calling agent's capabilities: the task's fixed
// (category, action) pair, or for tool invocations every permission the
// definition requires with the structural resource argument substituted in.
func (d *Dispatcher) permissionGate(ctx context.Context, t *task) error {
	deny := func(category, action, resource string) error {
		d.auditReject(ctx, t, "permission.denied", governance.OutcomeDenied, map[string]any{
			"category": category, "action": action, "resource": resource,
		})
		return protocol.Errorf(protocol.CodePermissionDenied, "Permission denied: %s.%s", category, action)
	}

	if t.toolDef != nil {
		args := mapval(t.payload, "arguments")
		resource := ""
		if t.toolDef.ResourceArg != "" {
			resource = str(args, t.toolDef.ResourceArg)
		}
		for _, ps := range t.toolDef.RequiredPermissions {
			p, err := tool.ParsePermission(ps)
			if err != nil {
				return protocol.Errorf(protocol.CodeInternal, "tool %q: bad permission %q", t.toolDef.ID, ps)
			}
			res := p.Resource
			if res == "" {
				res = resource
			}
			ok, err := d.caps.Check(ctx, t.entry.ExternalID, p.Category, p.Action, res)
			if err != nil {
				return err
			}
			if !ok {
				return deny(p.Category, p.Action, res)
			}
		}
		return nil
	}

	if t.spec.category == "" {
		return nil
	}
	ok, err := d.caps.Check(ctx, t.entry.ExternalID, t.spec.category, t.spec.action, "")
	if err != nil {
		return err
	}
	if !ok {
		return deny(t.spec.category, t.spec.action, "")
	}
	return nil
}

// safetyGate inspects every user message headed for the model. Injection
// findings are fatal here; tool-argument findings elsewhere stay advisory.
func (d *Dispatcher) safetyGate(ctx context.Context, t *task) error {
	for _, m := range t.chatReq.Messages {
		if m.Role != "user" {
			continue
		}
		report := d.sanitizer.Inspect(m.Content, sanitize.ContextChat)
		if report.Safe {
			continue
		}
		d.auditReject(ctx, t, "policy.injection_blocked", governance.OutcomeBlocked, map[string]any{
			"warnings": report.Warnings,
		})
		d.alert("security.prompt_injection", t.entry.ExternalID, map[string]any{
			"warnings": report.Warnings,
		})
		return protocol.NewError(protocol.CodePolicyBlocked,
			"Input rejected: potential prompt injection detected")
	}
	return nil
}

// admissionDelta names what the task consumes from the usage window. Only
// chat and tool invocations bill the window; every task passes the cost
// gate via the check's cumulative-cost comparison.
func (d *Dispatcher) admissionDelta(t *task) usage.Delta {
	switch t.typ {
	case protocol.TaskChat:
		return usage.Delta{Requests: 1, Tokens: t.estTokens}
	case protocol.TaskInvokeTool:
		return usage.Delta{Requests: 1, ToolCalls: 1}
	}
	return usage.Delta{}
}

// auditReject writes the audit record for a gate rejection. Gate actions
// live under loop-owned prefixes except task.rejected, which stays
// evaluable so operators can write policies over malformed traffic.
func (d *Dispatcher) auditReject(ctx context.Context, t *task, action string, outcome governance.Outcome, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["taskType"] = t.typ
	if t.fromAgentID != "" {
		details["fromAgentId"] = t.fromAgentID
	}
	d.gov.Record(ctx, governance.AuditRecord{
		ActorID:      t.entry.ExternalID,
		Action:       action,
		ResourceType: t.spec.resourceType,
		ResourceID:   t.resourceID,
		Details:      details,
		Outcome:      outcome,
	})
}

// audit writes the post-execution record, folding in anything the handler
// attached.
func (d *Dispatcher) audit(ctx context.Context, t *task, action string, outcome governance.Outcome, details map[string]any) {
	if action == "" {
		return
	}
	merged := map[string]any{"taskType": t.typ}
	if t.fromAgentID != "" {
		merged["fromAgentId"] = t.fromAgentID
	}
	for k, v := range t.details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	d.gov.Record(ctx, governance.AuditRecord{
		ActorID:      t.entry.ExternalID,
		Action:       action,
		ResourceType: t.spec.resourceType,
		ResourceID:   t.resourceID,
		Details:      merged,
		Outcome:      outcome,
	})
}

func (d *Dispatcher) alert(eventType, agentID string, data map[string]any) {
	if d.bus != nil {
		d.bus.Emit(protocol.ChannelAlerts, eventType, agentID, data)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
