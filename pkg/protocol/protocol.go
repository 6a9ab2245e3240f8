// Package protocol defines the gateway wire protocol: the framed message
// envelope exchanged over a connection, the task types the dispatcher
// recognizes, and the caller-observable error taxonomy.
//
// Every message is a single JSON object {type, id?, payload?}. Responses echo
// the request id. Server-initiated pushes use their own frame types (event,
// chat_stream, chat_stream_end) and carry no request id unless correlated.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// FRAME ENVELOPE
// ============================================================================

// Frame is the unit of exchange on a gateway connection.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame with an encoded payload. Encoding failures are
// reported so callers never put a half-built frame on the wire.
func NewFrame(frameType, id string, payload any) (*Frame, error) {
	f := &Frame{Type: frameType, ID: id}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	f.Payload = raw
	return f, nil
}

// DecodePayload unmarshals the frame payload into dst.
func (f *Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %q has no payload", f.Type)
	}
	return json.Unmarshal(f.Payload, dst)
}

// Frame types sent by clients.
const (
	FrameAuth           = "auth"
	FrameTask           = "task"
	FrameChat           = "chat"
	FrameSpawnAgent     = "spawn_agent"
	FrameTerminateAgent = "terminate_agent"
	FrameListAgents     = "list_agents"
	FrameAgentStatus    = "agent_status"
	FrameSubscribe      = "subscribe"
	FrameUnsubscribe    = "unsubscribe"
	FramePing           = "ping"
)

// Frame types sent by the server.
const (
	FrameAuthSuccess   = "auth_success"
	FrameAuthFailed    = "auth_failed"
	FrameAuthRequired  = "auth_required"
	FrameResult        = "result"
	FrameError         = "error"
	FrameEvent         = "event"
	FrameChatStream    = "chat_stream"
	FrameChatStreamEnd = "chat_stream_end"
	FramePong          = "pong"
)

// ============================================================================
// EVENT CHANNELS
// ============================================================================

// Well-known subscription channels. A2A lifecycle events publish on
// "a2a.task.<state>" and are matched by the "a2a.*" pattern.
const (
	ChannelAlerts = "alerts"
	ChannelEvents = "events"
	ChannelA2A    = "a2a.*"
)

// MatchChannel reports whether a channel name matches a subscription pattern.
// A trailing ".*" matches the remainder of the name, including further dots.
func MatchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(channel, prefix+".")
	}
	return false
}

// Event is a server push delivered to subscribers of a channel.
type Event struct {
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`

	// Origin is the publishing node id; set when the event crosses the
	// cluster mirror so receivers can skip their own publications.
	Origin string `json:"origin,omitempty"`
}

// ============================================================================
// TASK TYPES
// ============================================================================

// Task types understood by the dispatcher. Anything else is rejected with
// VALIDATION_ERROR ("Unknown task type").
const (
	TaskEcho         = "echo"
	TaskChat         = "chat"
	TaskStoreFact    = "store_fact"
	TaskRecordEp     = "record_episode"
	TaskSearchMemory = "search_memory"

	TaskListTools  = "list_tools"
	TaskInvokeTool = "invoke_tool"

	TaskDiscoverAgents = "discover_agents"
	TaskAgentDirectory = "agent_directory"

	TaskForumCreate = "forum_create"
	TaskForumList   = "forum_list"
	TaskForumPost   = "forum_post"
	TaskForumPosts  = "forum_posts"

	TaskJobPost  = "job_post"
	TaskJobList  = "job_list"
	TaskJobApply = "job_apply"

	TaskReputationGet    = "reputation_get"
	TaskReputationList   = "reputation_list"
	TaskReputationAdjust = "reputation_adjust"

	TaskAuditQuery = "audit_query"

	TaskCapabilityList      = "capability_list"
	TaskCapabilityGrant     = "capability_grant"
	TaskCapabilityRevoke    = "capability_revoke"
	TaskCapabilityRevokeAll = "capability_revoke_all"

	TaskPolicyCreate    = "policy_create"
	TaskPolicyList      = "policy_list"
	TaskPolicySetStatus = "policy_set_status"

	TaskModerationCaseOpen    = "moderation_case_open"
	TaskModerationCaseList    = "moderation_case_list"
	TaskModerationCaseResolve = "moderation_case_resolve"

	TaskAppealOpen    = "appeal_open"
	TaskAppealList    = "appeal_list"
	TaskAppealResolve = "appeal_resolve"

	TaskSanctionApply = "sanction_apply"
	TaskSanctionList  = "sanction_list"
	TaskSanctionLift  = "sanction_lift"

	TaskA2A       = "a2a_task"
	TaskA2AAsync  = "a2a_task_async"
	TaskA2ASync   = "a2a_task_sync"
	TaskA2AStatus = "a2a_task_status"

	TaskListSkills  = "list_skills"
	TaskInvokeSkill = "invoke_skill"

	TaskStoreProcedure      = "store_procedure"
	TaskGetProcedure        = "get_procedure"
	TaskFindProcedures      = "find_procedures"
	TaskRecordProcExecution = "record_procedure_execution"

	TaskIngestDocument = "ingest_document"

	TaskCompute         = "compute"
	TaskMemoryIntensive = "memory_intensive"
)

var knownTasks = map[string]struct{}{
	TaskEcho: {}, TaskChat: {}, TaskStoreFact: {}, TaskRecordEp: {},
	TaskSearchMemory: {}, TaskListTools: {}, TaskInvokeTool: {},
	TaskDiscoverAgents: {}, TaskAgentDirectory: {},
	TaskForumCreate: {}, TaskForumList: {}, TaskForumPost: {}, TaskForumPosts: {},
	TaskJobPost: {}, TaskJobList: {}, TaskJobApply: {},
	TaskReputationGet: {}, TaskReputationList: {}, TaskReputationAdjust: {},
	TaskAuditQuery:      {},
	TaskCapabilityList:  {}, TaskCapabilityGrant: {}, TaskCapabilityRevoke: {},
	TaskCapabilityRevokeAll: {},
	TaskPolicyCreate:        {}, TaskPolicyList: {}, TaskPolicySetStatus: {},
	TaskModerationCaseOpen: {}, TaskModerationCaseList: {},
	TaskModerationCaseResolve: {},
	TaskAppealOpen:            {}, TaskAppealList: {}, TaskAppealResolve: {},
	TaskSanctionApply: {}, TaskSanctionList: {}, TaskSanctionLift: {},
	TaskA2A: {}, TaskA2AAsync: {}, TaskA2ASync: {}, TaskA2AStatus: {},
	TaskListSkills: {}, TaskInvokeSkill: {},
	TaskStoreProcedure: {}, TaskGetProcedure: {}, TaskFindProcedures: {},
	TaskRecordProcExecution: {},
	TaskIngestDocument:      {},
	TaskCompute:             {}, TaskMemoryIntensive: {},
}

// KnownTask reports whether the dispatcher recognizes the task type.
func KnownTask(taskType string) bool {
	_, ok := knownTasks[taskType]
	return ok
}

// AppealTasks are exempt from the sanction gate: a sanctioned agent may still
// open or follow its own appeal.
func IsAppealTask(taskType string) bool {
	switch taskType {
	case TaskAppealOpen, TaskAppealList, TaskAppealResolve:
		return true
	}
	return false
}
