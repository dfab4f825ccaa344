package protocol

import (
	"encoding/json"
	"time"
)

// Event is a session-produced message. ID equals the originating
// Submission's ID, or INITIAL_SUBMIT_ID for unsolicited session-scoped
// events such as the initial SessionConfigured.
type Event struct {
	ID  string   `json:"id"`
	Msg EventMsg `json:"msg"`
}

// EventMsgType discriminates the EventMsg tagged union. Values match the
// wire tags in spec.md §6 exactly.
type EventMsgType string

const (
	MsgError                          EventMsgType = "error"
	MsgTaskStarted                    EventMsgType = "task_started"
	MsgTaskComplete                   EventMsgType = "task_complete"
	MsgTokenCount                     EventMsgType = "token_count"
	MsgAgentMessage                   EventMsgType = "agent_message"
	MsgAgentMessageDelta              EventMsgType = "agent_message_delta"
	MsgAgentReasoning                 EventMsgType = "agent_reasoning"
	MsgAgentReasoningDelta            EventMsgType = "agent_reasoning_delta"
	MsgAgentReasoningRawContent       EventMsgType = "agent_reasoning_raw_content"
	MsgAgentReasoningRawContentDelta  EventMsgType = "agent_reasoning_raw_content_delta"
	MsgAgentReasoningSectionBreak     EventMsgType = "agent_reasoning_section_break"
	MsgSessionConfigured              EventMsgType = "session_configured"
	MsgMcpToolCallBegin               EventMsgType = "mcp_tool_call_begin"
	MsgMcpToolCallEnd                 EventMsgType = "mcp_tool_call_end"
	MsgWebSearchBegin                 EventMsgType = "web_search_begin"
	MsgWebSearchEnd                   EventMsgType = "web_search_end"
	MsgExecCommandBegin               EventMsgType = "exec_command_begin"
	MsgExecCommandOutputDelta         EventMsgType = "exec_command_output_delta"
	MsgExecCommandEnd                 EventMsgType = "exec_command_end"
	MsgExecApprovalRequest            EventMsgType = "exec_approval_request"
	MsgApplyPatchApprovalRequest      EventMsgType = "apply_patch_approval_request"
	MsgBackgroundEvent                EventMsgType = "background_event"
	MsgStreamError                    EventMsgType = "stream_error"
	MsgPatchApplyBegin                EventMsgType = "patch_apply_begin"
	MsgPatchApplyEnd                  EventMsgType = "patch_apply_end"
	MsgTurnDiff                       EventMsgType = "turn_diff"
	MsgGetHistoryEntryResponse        EventMsgType = "get_history_entry_response"
	MsgMcpListToolsResponse           EventMsgType = "mcp_list_tools_response"
	MsgListCustomPromptsResponse      EventMsgType = "list_custom_prompts_response"
	MsgPlanUpdate                     EventMsgType = "plan_update"
	MsgTurnAborted                    EventMsgType = "turn_aborted"
	MsgShutdownComplete               EventMsgType = "shutdown_complete"
	MsgConversationHistory            EventMsgType = "conversation_history"
)

// Duration mirrors the wire shape "duration encodes as seconds/nanos
// object" required by spec.md §6.
type Duration struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// NewDuration converts a time.Duration to the wire Duration shape.
func NewDuration(d time.Duration) Duration {
	return Duration{Seconds: int64(d / time.Second), Nanos: int32(d % time.Second)}
}

// ExecOutputStream discriminates stdout vs stderr for ExecCommandOutputDelta.
type ExecOutputStream string

const (
	StreamStdout ExecOutputStream = "stdout"
	StreamStderr ExecOutputStream = "stderr"
)

// TurnAbortReason discriminates why a turn was aborted.
type TurnAbortReason string

const (
	AbortInterrupted TurnAbortReason = "interrupted"
	AbortReplaced    TurnAbortReason = "replaced"
)

// EventMsg is the EventMsg tagged union. Exactly one typed field is
// populated, selected by Type. Non-exhaustive by design: implementations
// must fail closed on unknown tags (see ErrUnknownEventTag) rather than
// crash.
type EventMsg struct {
	Type EventMsgType

	Error                       *ErrorMsg
	TaskStarted                 *TaskStartedMsg
	TaskComplete                *TaskCompleteMsg
	TokenCount                  *TokenCountMsg
	AgentMessage                *AgentMessageMsg
	AgentMessageDelta            *AgentMessageDeltaMsg
	AgentReasoning               *AgentReasoningMsg
	AgentReasoningDelta          *AgentReasoningDeltaMsg
	AgentReasoningRawContent     *AgentReasoningRawContentMsg
	AgentReasoningRawContentDelta *AgentReasoningRawContentDeltaMsg
	SessionConfigured            *SessionConfiguredMsg
	McpToolCallBegin             *McpToolCallBeginMsg
	McpToolCallEnd               *McpToolCallEndMsg
	WebSearchBegin               *WebSearchBeginMsg
	WebSearchEnd                 *WebSearchEndMsg
	ExecCommandBegin             *ExecCommandBeginMsg
	ExecCommandOutputDelta       *ExecCommandOutputDeltaMsg
	ExecCommandEnd               *ExecCommandEndMsg
	ExecApprovalRequest          *ExecApprovalRequestMsg
	ApplyPatchApprovalRequest    *ApplyPatchApprovalRequestMsg
	BackgroundEvent              *BackgroundEventMsg
	StreamError                  *StreamErrorMsg
	PatchApplyBegin              *PatchApplyBeginMsg
	PatchApplyEnd                *PatchApplyEndMsg
	TurnDiff                     *TurnDiffMsg
	GetHistoryEntryResponse      *GetHistoryEntryResponseMsg
	McpListToolsResponse         *McpListToolsResponseMsg
	ListCustomPromptsResponse    *ListCustomPromptsResponseMsg
	PlanUpdate                   *PlanUpdateMsg
	TurnAborted                  *TurnAbortedMsg
	ConversationHistory          *ConversationHistoryMsg
}

type ErrorMsg struct {
	Message string `json:"message"`
}

type TaskStartedMsg struct {
	ModelContextWindow uint64 `json:"model_context_window"`
}

type TaskCompleteMsg struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

type TokenCountMsg struct {
	Usage TokenUsage `json:"usage"`
}

type AgentMessageMsg struct {
	Message string `json:"message"`
}

type AgentMessageDeltaMsg struct {
	Delta string `json:"delta"`
}

type AgentReasoningMsg struct {
	Text string `json:"text"`
}

type AgentReasoningDeltaMsg struct {
	Delta string `json:"delta"`
}

type AgentReasoningRawContentMsg struct {
	Text string `json:"text"`
}

type AgentReasoningRawContentDeltaMsg struct {
	Delta string `json:"delta"`
}

type SessionConfiguredMsg struct {
	SessionID         string `json:"session_id"`
	Model             string `json:"model"`
	HistoryLogID      uint64 `json:"history_log_id"`
	HistoryEntryCount uint64 `json:"history_entry_count"`
}

type McpToolCallBeginMsg struct {
	CallID     string `json:"call_id"`
	Invocation string `json:"invocation"`
}

type McpToolCallEndMsg struct {
	CallID     string   `json:"call_id"`
	Invocation string   `json:"invocation"`
	Duration   Duration `json:"duration"`
	Result     string   `json:"result"`
	IsSuccess  bool     `json:"is_success"`
}

type WebSearchBeginMsg struct {
	CallID string `json:"call_id"`
}

type WebSearchEndMsg struct {
	CallID string `json:"call_id"`
	Query  string `json:"query"`
}

type ExecCommandBeginMsg struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
}

type ExecCommandOutputDeltaMsg struct {
	CallID string           `json:"call_id"`
	Stream ExecOutputStream `json:"stream"`
	Chunk  []byte           `json:"chunk"`
}

type ExecCommandEndMsg struct {
	CallID           string   `json:"call_id"`
	Stdout           string   `json:"stdout"`
	Stderr           string   `json:"stderr"`
	AggregatedOutput string   `json:"aggregated_output"`
	ExitCode         int      `json:"exit_code"`
	Duration         Duration `json:"duration"`
	FormattedOutput  string   `json:"formatted_output"`
}

type ExecApprovalRequestMsg struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

type ApplyPatchApprovalRequestMsg struct {
	CallID    string            `json:"call_id"`
	Changes   map[string]string `json:"changes"`
	Reason    string            `json:"reason,omitempty"`
	GrantRoot string            `json:"grant_root,omitempty"`
}

type BackgroundEventMsg struct {
	Message string `json:"message"`
}

type StreamErrorMsg struct {
	Message string `json:"message"`
}

type PatchApplyBeginMsg struct {
	CallID       string            `json:"call_id"`
	AutoApproved bool              `json:"auto_approved"`
	Changes      map[string]string `json:"changes"`
}

type PatchApplyEndMsg struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

type TurnDiffMsg struct {
	UnifiedDiff string `json:"unified_diff"`
}

type GetHistoryEntryResponseMsg struct {
	Offset uint64 `json:"offset"`
	LogID  uint64 `json:"log_id"`
	Entry  string `json:"entry,omitempty"`
}

type McpListToolsResponseMsg struct {
	Tools map[string]string `json:"tools"`
}

type ListCustomPromptsResponseMsg struct {
	Prompts []string `json:"prompts"`
}

// PlanStepStatus is one step's status within a PlanUpdate.
type PlanStepStatus string

const (
	PlanStepPending    PlanStepStatus = "pending"
	PlanStepInProgress PlanStepStatus = "in_progress"
	PlanStepCompleted  PlanStepStatus = "completed"
)

// PlanStep is a single TODO-list entry posted by the model via the
// update_plan tool (SPEC_FULL.md §3.2).
type PlanStep struct {
	Step   string         `json:"step"`
	Status PlanStepStatus `json:"status"`
}

type PlanUpdateMsg struct {
	Explanation string     `json:"explanation,omitempty"`
	Plan        []PlanStep `json:"plan"`
}

type TurnAbortedMsg struct {
	Reason TurnAbortReason `json:"reason"`
}

type ConversationHistoryMsg struct {
	Items []ResponseItem `json:"items"`
}

// TokenUsage tracks per-turn token accounting. Derived quantities are
// computed by the methods below rather than stored, so they never drift
// from the raw counters.
type TokenUsage struct {
	Input            uint64 `json:"input"`
	CachedInput      uint64 `json:"cached_input,omitempty"`
	Output           uint64 `json:"output"`
	ReasoningOutput  uint64 `json:"reasoning_output,omitempty"`
	Total            uint64 `json:"total"`
}

// NonCachedInput is input - cached_input.
func (u TokenUsage) NonCachedInput() uint64 {
	if u.CachedInput > u.Input {
		return 0
	}
	return u.Input - u.CachedInput
}

// BlendedTotal is non_cached_input + output.
func (u TokenUsage) BlendedTotal() uint64 {
	return u.NonCachedInput() + u.Output
}

// TokensInContextWindow is total - reasoning_output.
func (u TokenUsage) TokensInContextWindow() uint64 {
	if u.ReasoningOutput > u.Total {
		return 0
	}
	return u.Total - u.ReasoningOutput
}

// PercentRemaining computes the fraction of the context window remaining
// above a baseline reservation, clamped to [0, 1]. Callers scale by 100
// for a percentage; spec.md §8 requires the result in [0, 100].
func (u TokenUsage) PercentRemaining(window, baseline uint64) float64 {
	if window <= baseline {
		return 0
	}
	span := float64(window - baseline)
	inContext := float64(u.TokensInContextWindow())
	used := inContext - float64(baseline)
	if used < 0 {
		used = 0
	}
	remaining := span - used
	if remaining < 0 {
		remaining = 0
	}
	if remaining > span {
		remaining = span
	}
	return remaining / span
}

// ResponseItemRole is the role of a transcript message item.
type ResponseItemRole string

const (
	RoleUser      ResponseItemRole = "user"
	RoleAssistant ResponseItemRole = "assistant"
	RoleSystem    ResponseItemRole = "system"
)

// ResponseItemKind discriminates ResponseItem's three shapes: a message, a
// reasoning item, or a function-call record.
type ResponseItemKind string

const (
	ItemMessage      ResponseItemKind = "message"
	ItemReasoning    ResponseItemKind = "reasoning"
	ItemFunctionCall ResponseItemKind = "function_call"
	ItemFunctionCallOutput ResponseItemKind = "function_call_output"
)

// ResponseItem is one entry of a session's Transcript. Appended only by the
// turn executor as it confirms model outputs and tool results.
type ResponseItem struct {
	Kind ResponseItemKind `json:"kind"`
	// TurnID anchors this item to the turn submission id that produced it,
	// used by fork/compaction bookkeeping (SPEC_FULL.md §3).
	TurnID string `json:"turn_id,omitempty"`

	// Message fields (Kind == ItemMessage).
	Role ResponseItemRole `json:"role,omitempty"`
	Text string           `json:"text,omitempty"`

	// Reasoning fields (Kind == ItemReasoning).
	ReasoningSummary string `json:"reasoning_summary,omitempty"`

	// Function-call fields (Kind == ItemFunctionCall / ItemFunctionCallOutput).
	CallID    string `json:"call_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// Transcript is the ordered, append-only sequence of ResponseItems
// comprising a session's visible history.
type Transcript []ResponseItem

// MarshalJSON flattens EventMsg into {"type": ..., <payload fields>...}.
func (m EventMsg) MarshalJSON() ([]byte, error) {
	merge := func(payload any) ([]byte, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var out map[string]json.RawMessage
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		out["type"] = mustMarshal(m.Type)
		return json.Marshal(out)
	}
	switch m.Type {
	case MsgError:
		return merge(m.Error)
	case MsgTaskStarted:
		return merge(m.TaskStarted)
	case MsgTaskComplete:
		return merge(m.TaskComplete)
	case MsgTokenCount:
		return merge(m.TokenCount)
	case MsgAgentMessage:
		return merge(m.AgentMessage)
	case MsgAgentMessageDelta:
		return merge(m.AgentMessageDelta)
	case MsgAgentReasoning:
		return merge(m.AgentReasoning)
	case MsgAgentReasoningDelta:
		return merge(m.AgentReasoningDelta)
	case MsgAgentReasoningRawContent:
		return merge(m.AgentReasoningRawContent)
	case MsgAgentReasoningRawContentDelta:
		return merge(m.AgentReasoningRawContentDelta)
	case MsgAgentReasoningSectionBreak:
		return json.Marshal(map[string]string{"type": string(m.Type)})
	case MsgSessionConfigured:
		return merge(m.SessionConfigured)
	case MsgMcpToolCallBegin:
		return merge(m.McpToolCallBegin)
	case MsgMcpToolCallEnd:
		return merge(m.McpToolCallEnd)
	case MsgWebSearchBegin:
		return merge(m.WebSearchBegin)
	case MsgWebSearchEnd:
		return merge(m.WebSearchEnd)
	case MsgExecCommandBegin:
		return merge(m.ExecCommandBegin)
	case MsgExecCommandOutputDelta:
		return merge(m.ExecCommandOutputDelta)
	case MsgExecCommandEnd:
		return merge(m.ExecCommandEnd)
	case MsgExecApprovalRequest:
		return merge(m.ExecApprovalRequest)
	case MsgApplyPatchApprovalRequest:
		return merge(m.ApplyPatchApprovalRequest)
	case MsgBackgroundEvent:
		return merge(m.BackgroundEvent)
	case MsgStreamError:
		return merge(m.StreamError)
	case MsgPatchApplyBegin:
		return merge(m.PatchApplyBegin)
	case MsgPatchApplyEnd:
		return merge(m.PatchApplyEnd)
	case MsgTurnDiff:
		return merge(m.TurnDiff)
	case MsgGetHistoryEntryResponse:
		return merge(m.GetHistoryEntryResponse)
	case MsgMcpListToolsResponse:
		return merge(m.McpListToolsResponse)
	case MsgListCustomPromptsResponse:
		return merge(m.ListCustomPromptsResponse)
	case MsgPlanUpdate:
		return merge(m.PlanUpdate)
	case MsgTurnAborted:
		return merge(m.TurnAborted)
	case MsgShutdownComplete:
		return json.Marshal(map[string]string{"type": string(m.Type)})
	case MsgConversationHistory:
		return merge(m.ConversationHistory)
	default:
		return nil, &ErrUnknownEventTag{Tag: string(m.Type)}
	}
}

// UnmarshalJSON decodes an EventMsg envelope, failing closed on
// unrecognized tags (spec.md §9: decoders must fail closed).
func (m *EventMsg) UnmarshalJSON(data []byte) error {
	var head struct {
		Type EventMsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Type = head.Type
	switch head.Type {
	case MsgError:
		m.Error = &ErrorMsg{}
		return json.Unmarshal(data, m.Error)
	case MsgTaskStarted:
		m.TaskStarted = &TaskStartedMsg{}
		return json.Unmarshal(data, m.TaskStarted)
	case MsgTaskComplete:
		m.TaskComplete = &TaskCompleteMsg{}
		return json.Unmarshal(data, m.TaskComplete)
	case MsgTokenCount:
		m.TokenCount = &TokenCountMsg{}
		return json.Unmarshal(data, m.TokenCount)
	case MsgAgentMessage:
		m.AgentMessage = &AgentMessageMsg{}
		return json.Unmarshal(data, m.AgentMessage)
	case MsgAgentMessageDelta:
		m.AgentMessageDelta = &AgentMessageDeltaMsg{}
		return json.Unmarshal(data, m.AgentMessageDelta)
	case MsgAgentReasoning:
		m.AgentReasoning = &AgentReasoningMsg{}
		return json.Unmarshal(data, m.AgentReasoning)
	case MsgAgentReasoningDelta:
		m.AgentReasoningDelta = &AgentReasoningDeltaMsg{}
		return json.Unmarshal(data, m.AgentReasoningDelta)
	case MsgAgentReasoningRawContent:
		m.AgentReasoningRawContent = &AgentReasoningRawContentMsg{}
		return json.Unmarshal(data, m.AgentReasoningRawContent)
	case MsgAgentReasoningRawContentDelta:
		m.AgentReasoningRawContentDelta = &AgentReasoningRawContentDeltaMsg{}
		return json.Unmarshal(data, m.AgentReasoningRawContentDelta)
	case MsgAgentReasoningSectionBreak:
		return nil
	case MsgSessionConfigured:
		m.SessionConfigured = &SessionConfiguredMsg{}
		return json.Unmarshal(data, m.SessionConfigured)
	case MsgMcpToolCallBegin:
		m.McpToolCallBegin = &McpToolCallBeginMsg{}
		return json.Unmarshal(data, m.McpToolCallBegin)
	case MsgMcpToolCallEnd:
		m.McpToolCallEnd = &McpToolCallEndMsg{}
		return json.Unmarshal(data, m.McpToolCallEnd)
	case MsgWebSearchBegin:
		m.WebSearchBegin = &WebSearchBeginMsg{}
		return json.Unmarshal(data, m.WebSearchBegin)
	case MsgWebSearchEnd:
		m.WebSearchEnd = &WebSearchEndMsg{}
		return json.Unmarshal(data, m.WebSearchEnd)
	case MsgExecCommandBegin:
		m.ExecCommandBegin = &ExecCommandBeginMsg{}
		return json.Unmarshal(data, m.ExecCommandBegin)
	case MsgExecCommandOutputDelta:
		m.ExecCommandOutputDelta = &ExecCommandOutputDeltaMsg{}
		return json.Unmarshal(data, m.ExecCommandOutputDelta)
	case MsgExecCommandEnd:
		m.ExecCommandEnd = &ExecCommandEndMsg{}
		return json.Unmarshal(data, m.ExecCommandEnd)
	case MsgExecApprovalRequest:
		m.ExecApprovalRequest = &ExecApprovalRequestMsg{}
		return json.Unmarshal(data, m.ExecApprovalRequest)
	case MsgApplyPatchApprovalRequest:
		m.ApplyPatchApprovalRequest = &ApplyPatchApprovalRequestMsg{}
		return json.Unmarshal(data, m.ApplyPatchApprovalRequest)
	case MsgBackgroundEvent:
		m.BackgroundEvent = &BackgroundEventMsg{}
		return json.Unmarshal(data, m.BackgroundEvent)
	case MsgStreamError:
		m.StreamError = &StreamErrorMsg{}
		return json.Unmarshal(data, m.StreamError)
	case MsgPatchApplyBegin:
		m.PatchApplyBegin = &PatchApplyBeginMsg{}
		return json.Unmarshal(data, m.PatchApplyBegin)
	case MsgPatchApplyEnd:
		m.PatchApplyEnd = &PatchApplyEndMsg{}
		return json.Unmarshal(data, m.PatchApplyEnd)
	case MsgTurnDiff:
		m.TurnDiff = &TurnDiffMsg{}
		return json.Unmarshal(data, m.TurnDiff)
	case MsgGetHistoryEntryResponse:
		m.GetHistoryEntryResponse = &GetHistoryEntryResponseMsg{}
		return json.Unmarshal(data, m.GetHistoryEntryResponse)
	case MsgMcpListToolsResponse:
		m.McpListToolsResponse = &McpListToolsResponseMsg{}
		return json.Unmarshal(data, m.McpListToolsResponse)
	case MsgListCustomPromptsResponse:
		m.ListCustomPromptsResponse = &ListCustomPromptsResponseMsg{}
		return json.Unmarshal(data, m.ListCustomPromptsResponse)
	case MsgPlanUpdate:
		m.PlanUpdate = &PlanUpdateMsg{}
		return json.Unmarshal(data, m.PlanUpdate)
	case MsgTurnAborted:
		m.TurnAborted = &TurnAbortedMsg{}
		return json.Unmarshal(data, m.TurnAborted)
	case MsgShutdownComplete:
		return nil
	case MsgConversationHistory:
		m.ConversationHistory = &ConversationHistoryMsg{}
		return json.Unmarshal(data, m.ConversationHistory)
	default:
		return &ErrUnknownEventTag{Tag: string(head.Type)}
	}
}
