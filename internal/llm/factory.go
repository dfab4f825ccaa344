package llm

import (
	"context"
	"fmt"
)

// MultiProviderClient implements LLMClient by dispatching to the appropriate
// provider based on the ModelConfig.Provider field.
//
// This allows a single client value to serve multiple providers without
// knowing in advance which one a request will use.
type MultiProviderClient struct {
	openai    *OpenAIClient
	anthropic *AnthropicClient
}

// NewMultiProviderClient creates a client that can dispatch to multiple providers.
func NewMultiProviderClient() *MultiProviderClient {
	return &MultiProviderClient{
		openai:    NewOpenAIClient(),
		anthropic: NewAnthropicClient(),
	}
}

// Call dispatches to the appropriate provider based on ModelConfig.Provider.
func (c *MultiProviderClient) Call(ctx context.Context, request LLMRequest) (LLMResponse, error) {
	// Default to OpenAI if provider not specified (backward compatibility)
	provider := request.ModelConfig.Provider
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		return c.openai.Call(ctx, request)
	case "anthropic":
		return c.anthropic.Call(ctx, request)
	default:
		return LLMResponse{}, fmt.Errorf("unsupported LLM provider: %s (supported: openai, anthropic)", provider)
	}
}

// Compact always summarizes via OpenAI: CompactRequest carries no provider
// field, and compaction is an internal housekeeping turn rather than one the
// caller picks a model provider for.
func (c *MultiProviderClient) Compact(ctx context.Context, request CompactRequest) (CompactResponse, error) {
	return c.openai.Compact(ctx, request)
}

// StreamCall dispatches streaming calls based on ModelConfig.Provider.
func (c *MultiProviderClient) StreamCall(ctx context.Context, request LLMRequest, onChunk func(StreamChunk)) error {
	provider := request.ModelConfig.Provider
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		return c.openai.StreamCall(ctx, request, onChunk)
	case "anthropic":
		return c.anthropic.StreamCall(ctx, request, onChunk)
	default:
		return fmt.Errorf("unsupported LLM provider: %s (supported: openai, anthropic)", provider)
	}
}

// NewLLMClient creates the appropriate LLM client based on provider name.
// This is a convenience function for cases where you know the provider at init time.
//
// For most use cases, prefer NewMultiProviderClient() which can handle multiple providers.
func NewLLMClient(provider string) (LLMClient, error) {
	switch provider {
	case "openai", "":
		return NewOpenAIClient(), nil
	case "anthropic":
		return NewAnthropicClient(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, anthropic)", provider)
	}
}
