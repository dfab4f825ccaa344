package llm

import (
	"context"

	"github.com/halvard-eng/convoengine/internal/models"
)

// ChunkKind discriminates StreamChunk, matching the model-client contract
// of spec.md §4.7: "chunks tag as message_delta, reasoning_delta,
// tool_call{call_id, name, arguments}, tool_result_request, usage, done".
type ChunkKind string

const (
	ChunkMessageDelta       ChunkKind = "message_delta"
	ChunkReasoningDelta     ChunkKind = "reasoning_delta"
	ChunkReasoningRawDelta  ChunkKind = "reasoning_raw_delta"
	ChunkSectionBreak       ChunkKind = "section_break"
	ChunkToolCall           ChunkKind = "tool_call"
	ChunkUsage              ChunkKind = "usage"
	ChunkDone               ChunkKind = "done"
)

// StreamChunk is one unit of a streaming model response.
type StreamChunk struct {
	Kind ChunkKind

	// ChunkMessageDelta / ChunkReasoningDelta / ChunkReasoningRawDelta
	TextDelta string

	// ChunkToolCall
	CallID    string
	ToolName  string
	Arguments string

	// ChunkUsage
	Usage models.TokenUsage

	// ChunkDone
	FinishReason models.FinishReason
	ResponseID   string
}

// StreamingClient is the streaming rendering of LLMClient (SPEC_FULL.md
// §4.4): instead of returning one LLMResponse, it delivers StreamChunks to
// onChunk as they arrive so the Turn Executor can emit AgentMessageDelta /
// AgentReasoningDelta / TokenCount events incrementally, as spec.md §4.4's
// streaming state machine requires.
type StreamingClient interface {
	StreamCall(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) error
}
