package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/halvard-eng/convoengine/internal/models"
)

// StreamCall streams an Anthropic Messages response, translating SSE
// events into StreamChunks as they arrive (SPEC_FULL.md §4.4: "an
// Anthropic client using anthropic-sdk-go's Messages.NewStreaming").
// Grounded on the non-streaming Call above (same request-building helpers
// are reused); only the transport and event loop differ.
func (c *AnthropicClient) StreamCall(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) error {
	messages, err := c.buildMessages(request)
	if err != nil {
		return fmt.Errorf("failed to build messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     selectAnthropicModel(request.ModelConfig.Model),
		MaxTokens: int64(request.ModelConfig.MaxTokens),
		System:    c.buildSystemBlocks(request),
		Messages:  messages,
	}
	if request.ModelConfig.Temperature > 0 {
		params.Temperature = anthropic.Float(request.ModelConfig.Temperature)
	}
	if len(request.ToolSpecs) > 0 {
		params.Tools = c.buildToolDefinitions(request.ToolSpecs)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	// toolArgsByIndex accumulates partial_json deltas for in-flight tool_use
	// blocks, keyed by content-block index, until the block closes.
	toolArgsByIndex := map[int64]*pendingToolCall{}

	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return classifyAnthropicError(err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu := ev.ContentBlock.AsAny(); tu != nil {
				if toolUse, ok := tu.(anthropic.ToolUseBlock); ok {
					toolArgsByIndex[ev.Index] = &pendingToolCall{callID: toolUse.ID, name: toolUse.Name}
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(StreamChunk{Kind: ChunkMessageDelta, TextDelta: delta.Text})
			case anthropic.InputJSONDelta:
				if p, ok := toolArgsByIndex[ev.Index]; ok {
					p.argsJSON += delta.PartialJSON
				}
			case anthropic.ThinkingDelta:
				onChunk(StreamChunk{Kind: ChunkReasoningDelta, TextDelta: delta.Thinking})
			}
		case anthropic.ContentBlockStopEvent:
			if p, ok := toolArgsByIndex[ev.Index]; ok {
				onChunk(StreamChunk{Kind: ChunkToolCall, CallID: p.callID, ToolName: p.name, Arguments: normalizeToolArgs(p.argsJSON)})
				delete(toolArgsByIndex, ev.Index)
			}
		case anthropic.MessageDeltaEvent:
			onChunk(StreamChunk{Kind: ChunkUsage, Usage: models.TokenUsage{
				CompletionTokens: int(ev.Usage.OutputTokens),
				TotalTokens:      int(ev.Usage.OutputTokens),
			}})
		}
	}
	if err := stream.Err(); err != nil {
		return classifyAnthropicError(err)
	}

	finishReason := models.FinishReasonStop
	switch message.StopReason {
	case anthropic.StopReasonToolUse:
		finishReason = models.FinishReasonToolCalls
	case anthropic.StopReasonMaxTokens:
		finishReason = models.FinishReasonLength
	}

	onChunk(StreamChunk{
		Kind:         ChunkDone,
		FinishReason: finishReason,
		Usage: models.TokenUsage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	})
	return nil
}

type pendingToolCall struct {
	callID   string
	name     string
	argsJSON string
}

// normalizeToolArgs ensures accumulated partial JSON is at least "{}" if
// the tool call carried no arguments at all.
func normalizeToolArgs(s string) string {
	if s == "" {
		return "{}"
	}
	var probe json.RawMessage
	if json.Unmarshal([]byte(s), &probe) != nil {
		return "{}"
	}
	return s
}
