package llm

import (
	"context"

	"github.com/openai/openai-go/v3"

	"github.com/halvard-eng/convoengine/internal/models"
)

// StreamCall streams an OpenAI chat completion, translating SSE chunks into
// StreamChunks as they arrive (SPEC_FULL.md §4.4's streaming model-client
// contract). Grounded on the non-streaming Call above — same request
// builders, only the transport and chunk-accumulation loop differ.
func (c *OpenAIClient) StreamCall(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) error {
	params := c.buildParams(request)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)

	// toolArgsByIndex accumulates argument-string fragments for in-flight
	// tool calls, keyed by their position in the delta's tool_calls array,
	// until the stream signals finish_reason and the call closes.
	toolArgsByIndex := map[int64]*pendingToolCall{}

	acc := openai.ChatCompletionAccumulator{}
	var finishReason string

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			onChunk(StreamChunk{Kind: ChunkMessageDelta, TextDelta: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			p, ok := toolArgsByIndex[tc.Index]
			if !ok {
				p = &pendingToolCall{callID: tc.ID, name: tc.Function.Name}
				toolArgsByIndex[tc.Index] = p
			}
			if tc.ID != "" {
				p.callID = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.argsJSON += tc.Function.Arguments
		}
	}
	if err := stream.Err(); err != nil {
		return classifyError(err)
	}

	for _, p := range toolArgsByIndex {
		onChunk(StreamChunk{Kind: ChunkToolCall, CallID: p.callID, ToolName: p.name, Arguments: normalizeToolArgs(p.argsJSON)})
	}

	mappedFinish := models.FinishReasonStop
	switch finishReason {
	case "tool_calls":
		mappedFinish = models.FinishReasonToolCalls
	case "length":
		mappedFinish = models.FinishReasonLength
	case "content_filter":
		mappedFinish = models.FinishReasonContentFilter
	}

	usage := models.TokenUsage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:      int(acc.Usage.TotalTokens),
	}
	onChunk(StreamChunk{Kind: ChunkUsage, Usage: usage})
	onChunk(StreamChunk{Kind: ChunkDone, FinishReason: mappedFinish, Usage: usage})
	return nil
}
