package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/halvard-eng/convoengine/internal/models"
	"github.com/halvard-eng/convoengine/internal/tools"
)

// OpenAIClient implements LLMClient using OpenAI's Chat Completions API.
//
// Maps to: codex-rs/core/src/client.rs OpenAI implementation
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	return &OpenAIClient{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Call sends a request to OpenAI and returns the complete response.
func (c *OpenAIClient) Call(ctx context.Context, request LLMRequest) (LLMResponse, error) {
	params := c.buildParams(request)

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return LLMResponse{}, classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return LLMResponse{}, fmt.Errorf("no choices in response")
	}

	items, finishReason := c.parseChoice(completion.Choices[0])
	return LLMResponse{
		Items:        items,
		FinishReason: finishReason,
		TokenUsage: models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Compact summarizes a conversation history into a single replacement
// transcript. Grounded on Call: it is a single non-tool turn whose
// instructions ask the model to produce a summary.
func (c *OpenAIClient) Compact(ctx context.Context, request CompactRequest) (CompactResponse, error) {
	resp, err := c.Call(ctx, LLMRequest{
		History:          request.Input,
		ModelConfig:      models.ModelConfig{Model: request.Model, MaxTokens: 4096},
		BaseInstructions: request.Instructions,
	})
	if err != nil {
		return CompactResponse{}, err
	}
	return CompactResponse{Items: resp.Items, TokenUsage: resp.TokenUsage}, nil
}

func (c *OpenAIClient) buildParams(request LLMRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.ModelConfig.Model),
		Messages: c.buildMessages(request),
	}
	if request.ModelConfig.Temperature > 0 {
		params.Temperature = param.NewOpt(request.ModelConfig.Temperature)
	}
	if request.ModelConfig.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(request.ModelConfig.MaxTokens))
	}
	if len(request.ToolSpecs) > 0 {
		params.Tools = c.buildToolDefinitions(request.ToolSpecs)
	}
	return params
}

// buildMessages assembles the instructions hierarchy (system, developer)
// ahead of the converted conversation history.
func (c *OpenAIClient) buildMessages(request LLMRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if sys := strings.TrimSpace(strings.TrimSpace(request.BaseInstructions + "\n" + request.UserInstructions)); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	if request.DeveloperInstructions != "" {
		messages = append(messages, openai.DeveloperMessage(request.DeveloperInstructions))
	}

	messages = append(messages, c.convertHistoryToMessages(request.History)...)
	return messages
}

// convertHistoryToMessages converts ConversationItem history to OpenAI chat
// messages. Consecutive FunctionCall items following an AssistantMessage (or
// starting the history outright, i.e. orphaned) are grouped into a single
// assistant message carrying tool_calls, since the API requires tool
// results to immediately follow the assistant message that requested them.
func (c *OpenAIClient) convertHistoryToMessages(history []models.ConversationItem) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	i := 0
	for i < len(history) {
		item := history[i]
		switch item.Type {
		case models.ItemTypeUserMessage:
			messages = append(messages, openai.UserMessage(item.Content))
			i++
		case models.ItemTypeAssistantMessage:
			content := item.Content
			i++
			messages = append(messages, c.consumeToolCalls(history, &i, content)...)
		case models.ItemTypeFunctionCall:
			messages = append(messages, c.consumeToolCalls(history, &i, "")...)
		case models.ItemTypeFunctionCallOutput:
			messages = append(messages, openai.ToolMessage(outputText(item), item.CallID))
			i++
		default:
			i++
		}
	}
	return messages
}

// consumeToolCalls groups zero or more consecutive ItemTypeFunctionCall
// entries starting at *i into one assistant message, advancing *i past
// them and their immediately-following ItemTypeFunctionCallOutput entries.
func (c *OpenAIClient) consumeToolCalls(history []models.ConversationItem, i *int, content string) []openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for *i < len(history) && history[*i].Type == models.ItemTypeFunctionCall {
		tc := history[*i]
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.CallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
		*i++
	}
	if len(toolCalls) == 0 {
		if content == "" {
			return nil
		}
		return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(content)}
	}

	msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if content != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(content)}
	}
	out := []openai.ChatCompletionMessageParamUnion{{OfAssistant: &msg}}

	for *i < len(history) && history[*i].Type == models.ItemTypeFunctionCallOutput {
		out = append(out, openai.ToolMessage(outputText(history[*i]), history[*i].CallID))
		*i++
	}
	return out
}

func outputText(item models.ConversationItem) string {
	if item.Output == nil {
		return ""
	}
	return item.Output.Content
}

// buildToolDefinitions converts ToolSpecs to OpenAI tool definitions.
func (c *OpenAIClient) buildToolDefinitions(specs []tools.ToolSpec) []openai.ChatCompletionToolParam {
	toolDefs := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		properties := make(map[string]interface{})
		var required []string
		for _, p := range spec.Parameters {
			prop := map[string]interface{}{"type": p.Type, "description": p.Description}
			if p.Items != nil {
				prop["items"] = p.Items
			}
			properties[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}
		funcDef := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: param.NewOpt(spec.Description),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		}
		toolDefs = append(toolDefs, openai.ChatCompletionToolParam{Function: funcDef})
	}
	return toolDefs
}

// classifyError categorizes an OpenAI API error using the HTTP status code
// when available, falling back to message-based heuristics.
func classifyError(err error) error {
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "context_length") || strings.Contains(errMsg, "maximum context length") {
		return models.NewContextOverflowError(err.Error())
	}
	if apiErr, ok := err.(*openai.Error); ok {
		return classifyByStatusCode(apiErr.StatusCode, err)
	}
	if strings.Contains(errMsg, "rate_limit") || strings.Contains(errMsg, "rate limit") {
		return models.NewAPILimitError(err.Error())
	}
	return models.NewTransientError(fmt.Sprintf("OpenAI API error: %v", err))
}
