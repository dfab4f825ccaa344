// Package protocol defines the wire-level Submission/Event duplex protocol
// between a caller and a conversation session: tagged unions with stable
// lower-snake-case type discriminators, decoded fail-closed so that an
// unrecognized tag becomes a typed error rather than a panic.
package protocol

import "encoding/json"

// Submission is a caller-issued message. Id is caller-assigned and is
// echoed back on every Event produced in response to it.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// INITIAL_SUBMIT_ID is the fixed submission id a new session's first
// SessionConfigured event correlates to (there is no caller submission
// that triggers it — the session emits it unsolicited at startup).
const INITIAL_SUBMIT_ID = ""

// OpType discriminates the Op tagged union. Values match the wire tags in
// spec.md §6 exactly.
type OpType string

const (
	OpInterrupt              OpType = "interrupt"
	OpUserInput               OpType = "user_input"
	OpUserTurn                OpType = "user_turn"
	OpOverrideTurnContext     OpType = "override_turn_context"
	OpExecApproval            OpType = "exec_approval"
	OpPatchApproval           OpType = "patch_approval"
	OpAddToHistory            OpType = "add_to_history"
	OpGetHistoryEntryRequest  OpType = "get_history_entry_request"
	OpGetHistory              OpType = "get_history"
	OpListMcpTools            OpType = "list_mcp_tools"
	OpListCustomPrompts       OpType = "list_custom_prompts"
	OpCompact                 OpType = "compact"
	OpShutdown                OpType = "shutdown"
)

// Op is the Op tagged union. Exactly one of the typed fields is non-nil,
// selected by Type. The union is non-exhaustive by design (spec.md §9):
// callers must branch on Type with an explicit default, and decoders of
// unknown tags must fail closed rather than guess.
type Op struct {
	Type OpType

	UserInput               *UserInputOp
	UserTurn                 *UserTurnOp
	OverrideTurnContext      *OverrideTurnContextOp
	ExecApproval             *ExecApprovalOp
	PatchApproval            *PatchApprovalOp
	AddToHistory             *AddToHistoryOp
	GetHistoryEntryRequest   *GetHistoryEntryRequestOp
}

// UserInputOp carries raw input items appended to the current turn context
// without altering cwd/policy/model — used for follow-up messages within an
// already-configured session.
type UserInputOp struct {
	Items []InputItem `json:"items"`
}

// UserTurnOp starts a new turn, optionally overriding any TurnContext field
// for the duration of (and persisting after) this turn.
type UserTurnOp struct {
	Items          []InputItem    `json:"items"`
	Cwd            string         `json:"cwd"`
	ApprovalPolicy AskForApproval `json:"approval_policy"`
	SandboxPolicy  SandboxPolicy  `json:"sandbox_policy"`
	Model          string         `json:"model"`
	Effort         string         `json:"effort,omitempty"`
	Summary        string         `json:"summary,omitempty"`
}

// OverrideTurnContextOp merges non-empty fields into the session's
// TurnContext without starting a turn or emitting any event.
type OverrideTurnContextOp struct {
	Cwd            *string         `json:"cwd,omitempty"`
	ApprovalPolicy *AskForApproval `json:"approval_policy,omitempty"`
	SandboxPolicy  *SandboxPolicy  `json:"sandbox_policy,omitempty"`
	Model          *string         `json:"model,omitempty"`
	Effort         *string         `json:"effort,omitempty"`
	Summary        *string         `json:"summary,omitempty"`
}

// ReviewDecision is the caller's resolution of a pending approval.
type ReviewDecision string

const (
	DecisionApproved            ReviewDecision = "approved"
	DecisionApprovedForSession   ReviewDecision = "approved_for_session"
	DecisionDenied               ReviewDecision = "denied"
	DecisionAbort                ReviewDecision = "abort"
)

// ExecApprovalOp resolves a pending ExecApprovalRequest. Id must match the
// call_id of the pending request; an unknown id yields an Error event.
type ExecApprovalOp struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// PatchApprovalOp resolves a pending ApplyPatchApprovalRequest.
type PatchApprovalOp struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// AddToHistoryOp appends a free-text entry to the external history store.
type AddToHistoryOp struct {
	Text string `json:"text"`
}

// GetHistoryEntryRequestOp looks up a previously logged history entry.
type GetHistoryEntryRequestOp struct {
	Offset uint64 `json:"offset"`
	LogID  uint64 `json:"log_id"`
}

// InputItemType discriminates the InputItem tagged union.
type InputItemType string

const (
	InputItemText       InputItemType = "text"
	InputItemImage      InputItemType = "image"
	InputItemLocalImage InputItemType = "local_image"
)

// InputItem is model-facing user input. LocalImage is resolved to Image
// (by reading the file into a data URL) before the model call — callers of
// the Turn Executor never see LocalImage survive into a request.
type InputItem struct {
	Type     InputItemType `json:"type"`
	Text     string        `json:"text,omitempty"`
	DataURL  string        `json:"data_url,omitempty"`
	Path     string        `json:"path,omitempty"`
}

// opEnvelope is the two-phase decode target: Type is read first, then the
// matching concrete payload is unmarshaled from Body.
type opEnvelope struct {
	Type OpType          `json:"type"`
	Body json.RawMessage `json:",inline"`
}

// MarshalJSON flattens Op into {"type": ..., <payload fields>...} per the
// wire format in spec.md §6.
func (o Op) MarshalJSON() ([]byte, error) {
	merge := func(payload any) ([]byte, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		m["type"] = mustMarshal(o.Type)
		return json.Marshal(m)
	}
	switch o.Type {
	case OpInterrupt, OpGetHistory, OpListMcpTools, OpListCustomPrompts, OpCompact, OpShutdown:
		return json.Marshal(map[string]string{"type": string(o.Type)})
	case OpUserInput:
		return merge(o.UserInput)
	case OpUserTurn:
		return merge(o.UserTurn)
	case OpOverrideTurnContext:
		return merge(o.OverrideTurnContext)
	case OpExecApproval:
		return merge(o.ExecApproval)
	case OpPatchApproval:
		return merge(o.PatchApproval)
	case OpAddToHistory:
		return merge(o.AddToHistory)
	case OpGetHistoryEntryRequest:
		return merge(o.GetHistoryEntryRequest)
	default:
		return nil, &ErrUnknownOpTag{Tag: string(o.Type)}
	}
}

// UnmarshalJSON decodes an Op envelope, failing closed on unrecognized tags.
func (o *Op) UnmarshalJSON(data []byte) error {
	var head struct {
		Type OpType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	o.Type = head.Type
	switch head.Type {
	case OpInterrupt, OpGetHistory, OpListMcpTools, OpListCustomPrompts, OpCompact, OpShutdown:
		return nil
	case OpUserInput:
		o.UserInput = &UserInputOp{}
		return json.Unmarshal(data, o.UserInput)
	case OpUserTurn:
		o.UserTurn = &UserTurnOp{}
		return json.Unmarshal(data, o.UserTurn)
	case OpOverrideTurnContext:
		o.OverrideTurnContext = &OverrideTurnContextOp{}
		return json.Unmarshal(data, o.OverrideTurnContext)
	case OpExecApproval:
		o.ExecApproval = &ExecApprovalOp{}
		return json.Unmarshal(data, o.ExecApproval)
	case OpPatchApproval:
		o.PatchApproval = &PatchApprovalOp{}
		return json.Unmarshal(data, o.PatchApproval)
	case OpAddToHistory:
		o.AddToHistory = &AddToHistoryOp{}
		return json.Unmarshal(data, o.AddToHistory)
	case OpGetHistoryEntryRequest:
		o.GetHistoryEntryRequest = &GetHistoryEntryRequestOp{}
		return json.Unmarshal(data, o.GetHistoryEntryRequest)
	default:
		return &ErrUnknownOpTag{Tag: string(head.Type)}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
