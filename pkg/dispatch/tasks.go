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
	"fmt"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// fieldKind is the JSON shape a payload field must take.
type fieldKind int

const (
	fString fieldKind = iota
	fNumber
	fBool
	fList
	fMap
)

func (k fieldKind) String() string {
	switch k {
	case fString:
		return "string"
	case fNumber:
		return "number"
	case fBool:
		return "boolean"
	case fList:
		return "list"
	case fMap:
		return "object"
	}
	return "value"
}

type field struct {
	name     string
	kind     fieldKind
	required bool
}

func req(name string, kind fieldKind) field { return field{name, kind, true} }
func opt(name string, kind fieldKind) field { return field{name, kind, false} }

// taskSpec is the dispatch table entry for one task type: the capability the
// permission gate checks (empty category means exempt), the audit action
// recorded on success, whether the approval gate applies for supervised
// agents, and the payload fields the schema gate validates.
type taskSpec struct {
	category     string
	action       string
	audit        string
	resourceType string
	mutating     bool
	fields       []field
}

var taskSpecs = map[string]taskSpec{
	protocol.TaskEcho: {audit: "task.echo"},
	protocol.TaskChat: {
		category: "llm", action: "execute", audit: "llm.request",
		resourceType: "model", mutating: true,
		fields: []field{req("messages", fList), opt("model", fString), opt("maxTokens", fNumber)},
	},

	protocol.TaskStoreFact: {
		category: "memory", action: "write", audit: "memory.write",
		resourceType: "fact", mutating: true,
		fields: []field{
			req("category", fString), req("content", fString),
			opt("kind", fString), opt("importance", fNumber),
			opt("tags", fList), opt("source", fString),
		},
	},
	protocol.TaskRecordEp: {
		category: "memory", action: "write", audit: "memory.write",
		resourceType: "episode", mutating: true,
		fields: []field{
			req("eventName", fString), opt("context", fString),
			opt("outcome", fString), opt("success", fBool),
			opt("importance", fNumber), opt("tags", fList), opt("sessionId", fString),
		},
	},
	protocol.TaskSearchMemory: {
		audit: "memory.search", resourceType: "memory",
		fields: []field{
			req("query", fString), opt("types", fList), opt("tags", fList),
			opt("minImportance", fNumber), opt("limit", fNumber),
		},
	},

	protocol.TaskListTools: {audit: "tool.listed", resourceType: "tool"},
	protocol.TaskInvokeTool: {
		audit: "tool.invoked", resourceType: "tool", mutating: true,
		fields: []field{req("toolId", fString), opt("arguments", fMap), opt("approval", fMap)},
	},

	protocol.TaskDiscoverAgents: {audit: "agent.discovered", resourceType: "agent"},
	protocol.TaskAgentDirectory: {audit: "agent.directory", resourceType: "agent"},

	protocol.TaskForumCreate: {
		category: "community", action: "write", audit: "forum.created",
		resourceType: "forum", mutating: true,
		fields: []field{req("name", fString), opt("description", fString)},
	},
	protocol.TaskForumList: {audit: "forum.listed", resourceType: "forum"},
	protocol.TaskForumPost: {
		category: "community", action: "write", audit: "forum.posted",
		resourceType: "post", mutating: true,
		fields: []field{req("forumId", fString), opt("title", fString), req("content", fString)},
	},
	protocol.TaskForumPosts: {
		audit: "forum.read", resourceType: "forum",
		fields: []field{req("forumId", fString), opt("limit", fNumber)},
	},

	protocol.TaskJobPost: {
		category: "community", action: "write", audit: "job.posted",
		resourceType: "job", mutating: true,
		fields: []field{
			req("title", fString), opt("description", fString),
			opt("reward", fNumber), opt("tags", fList),
		},
	},
	protocol.TaskJobList: {
		audit: "job.listed", resourceType: "job",
		fields: []field{opt("postedBy", fString)},
	},
	protocol.TaskJobApply: {
		category: "community", action: "write", audit: "job.applied",
		resourceType: "job", mutating: true,
		fields: []field{req("jobId", fString), opt("note", fString)},
	},

	protocol.TaskReputationGet: {
		audit: "reputation.read", resourceType: "reputation",
		fields: []field{opt("agentId", fString)},
	},
	protocol.TaskReputationList: {audit: "reputation.read", resourceType: "reputation"},
	protocol.TaskReputationAdjust: {
		category: "community", action: "moderate", audit: "reputation.adjusted",
		resourceType: "reputation", mutating: true,
		fields: []field{req("agentId", fString), req("delta", fNumber), req("reason", fString)},
	},

	protocol.TaskAuditQuery: {
		audit: "audit.queried", resourceType: "audit",
		fields: []field{
			opt("actorId", fString), opt("action", fString), opt("resourceType", fString),
			opt("outcome", fString), opt("limit", fNumber),
		},
	},

	protocol.TaskCapabilityList: {
		audit: "capability.listed", resourceType: "capability",
		fields: []field{opt("agentId", fString), opt("includeInactive", fBool)},
	},
	protocol.TaskCapabilityGrant: {
		category: "capability", action: "manage", audit: "capability.granted",
		resourceType: "capability", mutating: true,
		fields: []field{
			req("agentId", fString), req("permissions", fList),
			opt("purpose", fString), opt("durationMs", fNumber),
		},
	},
	protocol.TaskCapabilityRevoke: {
		category: "capability", action: "manage", audit: "capability.revoked",
		resourceType: "capability", mutating: true,
		fields: []field{req("tokenId", fString)},
	},
	protocol.TaskCapabilityRevokeAll: {
		category: "capability", action: "manage", audit: "capability.revoked_all",
		resourceType: "capability", mutating: true,
		fields: []field{req("agentId", fString)},
	},

	protocol.TaskPolicyCreate: {
		category: "governance", action: "policy", audit: "policy.created",
		resourceType: "policy", mutating: true,
		fields: []field{
			req("name", fString), opt("description", fString),
			req("rules", fList), opt("status", fString),
		},
	},
	protocol.TaskPolicyList: {audit: "policy.listed", resourceType: "policy"},
	protocol.TaskPolicySetStatus: {
		category: "governance", action: "policy", audit: "policy.status_changed",
		resourceType: "policy", mutating: true,
		fields: []field{req("policyId", fString), req("status", fString)},
	},

	protocol.TaskModerationCaseOpen: {
		category: "governance", action: "moderate", audit: "moderation.case_opened",
		resourceType: "case", mutating: true,
		fields: []field{
			req("subjectAgentId", fString), opt("policyId", fString),
			req("reason", fString), opt("evidence", fMap),
		},
	},
	protocol.TaskModerationCaseList: {
		audit: "moderation.case_listed", resourceType: "case",
		fields: []field{opt("subjectAgentId", fString), opt("status", fString)},
	},
	protocol.TaskModerationCaseResolve: {
		category: "governance", action: "moderate", audit: "moderation.case_resolved",
		resourceType: "case", mutating: true,
		fields: []field{req("caseId", fString), req("resolution", fString)},
	},

	protocol.TaskAppealOpen: {
		audit: "appeal.opened", resourceType: "appeal", mutating: true,
		fields: []field{req("caseId", fString), req("reason", fString)},
	},
	protocol.TaskAppealList: {
		audit: "appeal.listed", resourceType: "appeal",
		fields: []field{opt("subjectAgentId", fString), opt("status", fString)},
	},
	protocol.TaskAppealResolve: {
		category: "governance", action: "moderate", audit: "appeal.resolved",
		resourceType: "appeal", mutating: true,
		fields: []field{req("appealId", fString), req("accept", fBool), opt("resolution", fString)},
	},

	protocol.TaskSanctionApply: {
		category: "governance", action: "sanction", audit: "sanction.applied",
		resourceType: "sanction", mutating: true,
		fields: []field{
			req("subjectAgentId", fString), req("sanctionType", fString),
			opt("details", fString), opt("caseId", fString),
		},
	},
	protocol.TaskSanctionList: {
		audit: "sanction.listed", resourceType: "sanction",
		fields: []field{opt("subjectAgentId", fString), opt("activeOnly", fBool)},
	},
	protocol.TaskSanctionLift: {
		category: "governance", action: "sanction", audit: "sanction.lifted",
		resourceType: "sanction", mutating: true,
		fields: []field{req("sanctionId", fString)},
	},

	protocol.TaskA2A: {
		category: "a2a", action: "execute", audit: "a2a.task.submitted",
		resourceType: "a2a_task", mutating: true,
		fields: []field{req("targetAgentId", fString), req("task", fMap)},
	},
	protocol.TaskA2AAsync: {
		category: "a2a", action: "execute", audit: "a2a.task.submitted",
		resourceType: "a2a_task", mutating: true,
		fields: []field{req("targetAgentId", fString), req("task", fMap)},
	},
	protocol.TaskA2ASync: {
		category: "a2a", action: "execute", audit: "a2a.task.submitted",
		resourceType: "a2a_task", mutating: true,
		fields: []field{req("targetAgentId", fString), req("task", fMap), opt("timeoutMs", fNumber)},
	},
	protocol.TaskA2AStatus: {
		audit: "a2a.task.read", resourceType: "a2a_task",
		fields: []field{req("taskId", fString)},
	},

	protocol.TaskListSkills: {
		audit: "skill.listed", resourceType: "skill",
		fields: []field{opt("agentId", fString)},
	},
	protocol.TaskInvokeSkill: {
		category: "a2a", action: "execute", audit: "a2a.task.submitted",
		resourceType: "a2a_task", mutating: true,
		fields: []field{
			req("targetAgentId", fString), req("skillId", fString),
			opt("input", fMap), opt("timeoutMs", fNumber),
		},
	},

	protocol.TaskStoreProcedure: {
		category: "memory", action: "write", audit: "memory.write",
		resourceType: "procedure", mutating: true,
		fields: []field{
			req("name", fString), opt("trigger", fString), req("steps", fList),
			opt("inputs", fMap), opt("outputs", fMap), opt("tags", fList),
		},
	},
	protocol.TaskGetProcedure: {
		audit: "memory.read", resourceType: "procedure",
		fields: []field{opt("procedureId", fString), opt("name", fString)},
	},
	protocol.TaskFindProcedures: {
		audit: "memory.search", resourceType: "procedure",
		fields: []field{opt("query", fString), opt("tags", fList), opt("limit", fNumber)},
	},
	protocol.TaskRecordProcExecution: {
		category: "memory", action: "write", audit: "memory.write",
		resourceType: "procedure", mutating: true,
		fields: []field{req("procedureId", fString), req("success", fBool)},
	},

	protocol.TaskIngestDocument: {
		category: "memory", action: "write", audit: "memory.write",
		resourceType: "document", mutating: true,
		fields: []field{
			req("filename", fString), opt("content", fString),
			opt("contentBase64", fString), opt("tags", fList),
		},
	},

	protocol.TaskCompute: {
		audit: "task.compute", fields: []field{opt("iterations", fNumber)},
	},
	protocol.TaskMemoryIntensive: {
		audit: "task.memory_intensive", fields: []field{opt("sizeMb", fNumber)},
	},
}

// validateFields checks the payload against the spec's field table. Unknown
// payload keys pass through untouched so clients may attach metadata.
func validateFields(spec *taskSpec, payload map[string]any) error {
	for _, f := range spec.fields {
		v, ok := payload[f.name]
		if !ok || v == nil {
			if f.required {
				return protocol.Errorf(protocol.CodeValidation, "field %q is required", f.name)
			}
			continue
		}
		if !kindMatches(f.kind, v) {
			return protocol.Errorf(protocol.CodeValidation,
				"field %q must be a %s", f.name, f.kind)
		}
	}
	return nil
}

func kindMatches(kind fieldKind, v any) bool {
	switch kind {
	case fString:
		_, ok := v.(string)
		return ok
	case fNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case fBool:
		_, ok := v.(bool)
		return ok
	case fList:
		_, ok := v.([]any)
		if ok {
			return true
		}
		_, ok = v.([]string)
		return ok
	case fMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// Payload readers. JSON decoding delivers float64 for numbers; config-fed
// payloads may carry native ints, so numbers accept both.

func str(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func strOr(payload map[string]any, key, fallback string) string {
	if s := str(payload, key); s != "" {
		return s
	}
	return fallback
}

func num(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return 0
}

func intval(payload map[string]any, key string) int {
	return int(num(payload, key))
}

func boolean(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

func mapval(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

func strList(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mapList(payload map[string]any, key string) ([]map[string]any, error) {
	raw, ok := payload[key].([]any)
	if !ok {
		if typed, ok := payload[key].([]map[string]any); ok {
			return typed, nil
		}
		return nil, fmt.Errorf("field %q must be a list of objects", key)
	}
	out := make([]map[string]any, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q[%d] must be an object", key, i)
		}
		out = append(out, m)
	}
	return out, nil
}
