package turn

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/halvard-eng/convoengine/internal/llm"
	"github.com/halvard-eng/convoengine/internal/models"
	"github.com/halvard-eng/convoengine/internal/policy"
	"github.com/halvard-eng/convoengine/internal/protocol"
	"github.com/halvard-eng/convoengine/internal/session"
	"github.com/halvard-eng/convoengine/internal/tools"
)

// retry/backoff constants, chosen per spec.md §7's literal recovery
// policy — which happens to match the teacher's own
// callLLM/handleLLMError backoff shape in internal/workflow/turn.go.
const (
	retryBaseDelay = 250 * time.Millisecond
	retryFactor    = 2.0
	retryCap       = 8 * time.Second
	retryAttempts  = 5

	// repeatedCallThreshold aborts a turn once the model issues the same
	// (name, arguments) tool call this many times in a row without the
	// transcript otherwise advancing — the teacher's
	// detectRepeatedToolCalls loop breaker.
	repeatedCallThreshold = 3

	// compactionHeadroom is the PercentRemaining threshold below which the
	// executor proactively compacts before issuing the next model call
	// (spec.md §4.4 "proactive compaction").
	compactionHeadroom = 0.1
)

// Config wires an Executor's external dependencies — one per Conversation
// Manager, shared across all sessions it governs (SPEC_FULL.md §4.5).
type Config struct {
	Streaming llm.StreamingClient
	Compactor llm.LLMClient // only Compact is used
	Tools     *tools.ToolRouter
	Policy    *policy.Engine
	McpTools  map[string]tools.McpToolRef

	BaseInstructions      string
	DeveloperInstructions string
	UserInstructions      string
	ContextWindow         uint64
}

// Executor implements session.TurnRunner: per-turn state machine (Idle ->
// Streaming -> ToolCall* -> Streaming -> Complete, with
// Cancelled/StreamError branches per spec.md §4.4).
//
// Grounded on internal/workflow/turn.go's runAgenticTurn — see this
// package's doc comment and DESIGN.md's C4 entry for the full mapping.
type Executor struct {
	llm       llm.StreamingClient
	compactor llm.LLMClient
	router    *tools.ToolRouter
	policy    *policy.Engine
	mcpTools  map[string]tools.McpToolRef
	sessionID string

	baseInstructions      string
	developerInstructions string
	userInstructions      string
	contextWindow         uint64

	sessionApprovedPaths map[string]bool
}

// NewExecutor constructs an Executor bound to one session's adapters.
// sessionID is used for MCP store lookups (internal/mcp.McpStore is
// keyed by session id).
func NewExecutor(cfg Config, sessionID string) *Executor {
	if cfg.ContextWindow == 0 {
		cfg.ContextWindow = 128_000
	}
	return &Executor{
		llm:                   cfg.Streaming,
		compactor:             cfg.Compactor,
		router:                cfg.Tools,
		policy:                cfg.Policy,
		mcpTools:              cfg.McpTools,
		sessionID:             sessionID,
		baseInstructions:      cfg.BaseInstructions,
		developerInstructions: cfg.DeveloperInstructions,
		userInstructions:      cfg.UserInstructions,
		contextWindow:         cfg.ContextWindow,
		sessionApprovedPaths:  make(map[string]bool),
	}
}

func (e *Executor) allPathsSessionApproved(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !e.sessionApprovedPaths[p] {
			return false
		}
	}
	return true
}

// RunTurn implements session.TurnRunner.
func (e *Executor) RunTurn(ctx context.Context, in session.TurnInput, emit func(protocol.Event)) session.TurnResult {
	turnID := in.SubmissionID
	appended := protocol.Transcript{inputItemsToUserMessage(turnID, in.Items)}
	history := append(toModelHistory(in.Transcript), toModelHistory(appended)...)

	var totalUsage protocol.TokenUsage
	var lastAgentMessage string
	repeats := 0
	var lastCallKey string

	for {
		if ctx.Err() != nil {
			return session.TurnResult{AppendedItems: appended, TokenUsage: totalUsage, Aborted: true, AbortReason: protocol.AbortInterrupted}
		}

		if totalUsage.PercentRemaining(e.contextWindow, 0) < compactionHeadroom {
			if compacted, ok := e.compactHistory(ctx, history); ok {
				history = compacted
			}
		}

		resp, err := e.callWithRetry(ctx, history, in.TurnContext)
		if err != nil {
			if ctx.Err() != nil {
				return session.TurnResult{AppendedItems: appended, TokenUsage: totalUsage, Aborted: true, AbortReason: protocol.AbortInterrupted}
			}
			emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgStreamError, StreamError: &protocol.StreamErrorMsg{Message: err.Error()}}})
			emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgTaskComplete, TaskComplete: &protocol.TaskCompleteMsg{}}})
			return session.TurnResult{AppendedItems: appended, TokenUsage: totalUsage}
		}

		totalUsage = addUsage(totalUsage, toProtocolUsage(resp.usage))
		emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgTokenCount, TokenCount: &protocol.TokenCountMsg{Usage: totalUsage}}})

		if resp.message != "" {
			lastAgentMessage = resp.message
			appended = append(appended, protocol.ResponseItem{Kind: protocol.ItemMessage, TurnID: turnID, Role: protocol.RoleAssistant, Text: resp.message})
			history = append(history, models.ConversationItem{Type: models.ItemTypeAssistantMessage, Content: resp.message})
		}

		if len(resp.toolCalls) == 0 {
			emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgTaskComplete, TaskComplete: &protocol.TaskCompleteMsg{LastAgentMessage: lastAgentMessage}}})
			return session.TurnResult{AppendedItems: appended, TokenUsage: totalUsage}
		}

		for _, call := range resp.toolCalls {
			key := call.Name + "|" + call.Arguments
			if key == lastCallKey {
				repeats++
			} else {
				repeats = 0
				lastCallKey = key
			}
			if repeats >= repeatedCallThreshold {
				emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgBackgroundEvent, BackgroundEvent: &protocol.BackgroundEventMsg{
					Message: "aborting turn: repeated identical tool call detected",
				}}})
				emit(protocol.Event{Msg: protocol.EventMsg{Type: protocol.MsgTaskComplete, TaskComplete: &protocol.TaskCompleteMsg{LastAgentMessage: lastAgentMessage}}})
				return session.TurnResult{AppendedItems: appended, TokenUsage: totalUsage}
			}
		}

		for _, result := range e.runToolCalls(ctx, resp.toolCalls, in, emit) {
			appended = append(appended, result.Call, result.Output)
			history = append(history,
				models.ConversationItem{Type: models.ItemTypeFunctionCall, CallID: result.Call.CallID, Name: result.Call.ToolName, Arguments: result.Call.Arguments},
				models.ConversationItem{Type: models.ItemTypeFunctionCallOutput, CallID: result.Output.CallID, Output: &models.FunctionCallOutputPayload{Content: result.Output.Output, Success: result.Output.Success}},
			)
		}
	}
}

// streamResult is the accumulated result of one streamed model call.
type streamResult struct {
	message   string
	reasoning string
	toolCalls []pendingCall
	usage     models.TokenUsage
}

// callWithRetry drives one streamed model call, retrying transient
// provider errors with exponential backoff (spec.md §7), and escalating a
// context-overflow error into an immediate compaction + retry rather than
// failing the turn outright.
func (e *Executor) callWithRetry(ctx context.Context, history []models.ConversationItem, tc protocol.TurnContext) (streamResult, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Min(float64(retryCap), float64(retryBaseDelay)*math.Pow(retryFactor, float64(attempt-1))))
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return streamResult{}, ctx.Err()
			}
		}

		res, err := e.streamOnce(ctx, history, tc)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if actErr, ok := err.(*models.ActivityError); ok {
			if actErr.Type == models.ErrorTypeContextOverflow {
				if compacted, ok := e.compactHistory(ctx, history); ok {
					history = compacted
				}
				continue
			}
			if !actErr.Retryable {
				return streamResult{}, err
			}
			continue
		}
		// Unclassified error: treat as non-retryable.
		return streamResult{}, err
	}
	return streamResult{}, lastErr
}

func (e *Executor) streamOnce(ctx context.Context, history []models.ConversationItem, tc protocol.TurnContext) (streamResult, error) {
	req := llm.LLMRequest{
		History:               history,
		ModelConfig:           models.ModelConfig{Model: tc.Model, Provider: providerForModel(tc.Model)},
		ToolSpecs:             e.router.GetToolSpecs(),
		BaseInstructions:      e.baseInstructions,
		DeveloperInstructions: e.developerInstructions,
		UserInstructions:      e.userInstructions,
	}

	var res streamResult
	byCallID := make(map[string]*pendingCall)
	var order []string

	err := e.llm.StreamCall(ctx, req, func(c llm.StreamChunk) {
		switch c.Kind {
		case llm.ChunkMessageDelta:
			res.message += c.TextDelta
		case llm.ChunkReasoningDelta:
			res.reasoning += c.TextDelta
		case llm.ChunkToolCall:
			pc, ok := byCallID[c.CallID]
			if !ok {
				pc = &pendingCall{CallID: c.CallID, Name: c.ToolName}
				byCallID[c.CallID] = pc
				order = append(order, c.CallID)
			}
			pc.Arguments += c.Arguments
		case llm.ChunkUsage, llm.ChunkDone:
			res.usage = c.Usage
		}
	})
	if err != nil {
		return streamResult{}, err
	}

	for _, id := range order {
		res.toolCalls = append(res.toolCalls, *byCallID[id])
	}
	return res, nil
}

// providerForModel infers the LLM provider from a model name, the same
// name prefix convention internal/session's contextWindowFor table uses.
func providerForModel(model string) string {
	if strings.HasPrefix(model, "claude-") {
		return "anthropic"
	}
	return "openai"
}

// compactHistory asks the compactor to summarize history into a single
// replacement item, per DESIGN.md's resolution of spec.md §9: compaction
// drops the compacted prefix entirely. Returns ok=false if compaction
// itself fails, leaving the caller to proceed with the uncompacted
// history rather than fail the turn over a housekeeping step.
func (e *Executor) compactHistory(ctx context.Context, history []models.ConversationItem) ([]models.ConversationItem, bool) {
	resp, err := e.compactor.Compact(ctx, llm.CompactRequest{
		Input:        history,
		Instructions: "Summarize the conversation so far so it can replace this history.",
	})
	if err != nil {
		return nil, false
	}
	return resp.Items, true
}
