// Package turn implements the Turn Executor (spec.md §4.4): the per-turn
// state machine that streams a model response, dispatches any tool calls
// it requests through the policy layer, and loops until the model stops
// asking for tools.
//
// Grounded on the teacher's internal/workflow/turn.go (runAgenticTurn,
// callLLM, handleLLMError, dispatchInterceptedCalls,
// approveAndExecuteTools, detectRepeatedToolCalls — all read in full and
// translated from workflow.Await/activity-timeout/Temporal-retry-policy
// mechanics into a local context.Context + time.Timer backoff loop) and
// internal/activities/{llm,tools}.go's business logic (LLM call/compact,
// tool dispatch), inlined here directly since there is no activity
// boundary to serialize across without Temporal. See DESIGN.md's C4 entry.
package turn

import (
	"encoding/json"

	"github.com/halvard-eng/convoengine/internal/models"
	"github.com/halvard-eng/convoengine/internal/protocol"
)

// toModelHistory renders a protocol.Transcript (the session's durable,
// wire-shaped history) into the []models.ConversationItem shape the LLM
// clients consume. Reasoning items carry no provider-facing content today
// (neither provider client renders ItemReasoning back into a request) so
// they are dropped — they exist in the transcript purely for the
// AgentReasoning* event trail.
func toModelHistory(t protocol.Transcript) []models.ConversationItem {
	items := make([]models.ConversationItem, 0, len(t))
	for _, r := range t {
		switch r.Kind {
		case protocol.ItemMessage:
			items = append(items, models.ConversationItem{
				Type:    roleToItemType(r.Role),
				Content: r.Text,
			})
		case protocol.ItemFunctionCall:
			items = append(items, models.ConversationItem{
				Type:      models.ItemTypeFunctionCall,
				CallID:    r.CallID,
				Name:      r.ToolName,
				Arguments: r.Arguments,
			})
		case protocol.ItemFunctionCallOutput:
			items = append(items, models.ConversationItem{
				Type:   models.ItemTypeFunctionCallOutput,
				CallID: r.CallID,
				Output: &models.FunctionCallOutputPayload{Content: r.Output, Success: r.Success},
			})
		}
	}
	return items
}

func roleToItemType(role protocol.ResponseItemRole) models.ConversationItemType {
	if role == protocol.RoleUser {
		return models.ItemTypeUserMessage
	}
	return models.ItemTypeAssistantMessage
}

// inputItemsToUserMessage flattens a turn's InputItems into a single user
// message ResponseItem. Image items are rendered as a placeholder marker
// in the text — the provider clients in this engine do not yet accept
// multimodal content, matching the teacher's own text-only ConversationItem
// shape (SPEC_FULL.md §3 notes multimodal input as a later Responses-API
// addition, not required by this engine's Non-goals).
func inputItemsToUserMessage(turnID string, items []protocol.InputItem) protocol.ResponseItem {
	var text string
	for i, it := range items {
		if i > 0 {
			text += "\n"
		}
		switch it.Type {
		case protocol.InputItemText:
			text += it.Text
		case protocol.InputItemImage:
			text += "[image]"
		case protocol.InputItemLocalImage:
			text += "[image: " + it.Path + "]"
		}
	}
	return protocol.ResponseItem{Kind: protocol.ItemMessage, TurnID: turnID, Role: protocol.RoleUser, Text: text}
}

// parseToolArguments decodes a tool call's JSON argument string into a
// map, matching how both provider clients hand arguments to the model
// (serialized JSON) but the tools package consumes them (decoded map).
func parseToolArguments(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"_raw": raw}
	}
	return args
}

func toProtocolUsage(u models.TokenUsage) protocol.TokenUsage {
	return protocol.TokenUsage{
		Input:  uint64(u.PromptTokens),
		Output: uint64(u.CompletionTokens),
		Total:  uint64(u.TotalTokens),
	}
}

func addUsage(a, b protocol.TokenUsage) protocol.TokenUsage {
	return protocol.TokenUsage{
		Input:           a.Input + b.Input,
		CachedInput:     a.CachedInput + b.CachedInput,
		Output:          a.Output + b.Output,
		ReasoningOutput: a.ReasoningOutput + b.ReasoningOutput,
		Total:           a.Total + b.Total,
	}
}
