package ollama

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dealdocs/pipeline/engine/config"
)

// FallbackChatClient selects a model per call through a config.Registry
// instead of a single fixed model, giving engine/analyze.LLMClient and
// engine/graphingest.Completer the primary/fallback behavior spec §4.L
// requires without either package needing to know about config.Registry
// itself.
type FallbackChatClient struct {
	baseURL   string
	agentType string
	registry  *config.Registry
	logger    *slog.Logger
}

// modelName strips the leading "provider:" segment a config.Registry model
// string carries (e.g. "ollama:llama3.1" -> "llama3.1"); Ollama addresses
// models by name alone.
func modelName(modelString string) string {
	if i := strings.IndexByte(modelString, ':'); i >= 0 {
		return modelString[i+1:]
	}
	return modelString
}

// NewFallbackChatClient creates a FallbackChatClient that dispatches
// completions for agentType against baseURL, resolving which model to use
// from registry on every call.
func NewFallbackChatClient(baseURL, agentType string, registry *config.Registry, logger *slog.Logger) *FallbackChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackChatClient{baseURL: baseURL, agentType: agentType, registry: registry, logger: logger}
}

// Complete implements the Completer shape both engine/analyze.LLMClient and
// engine/graphingest.Completer declare.
func (c *FallbackChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	return config.CallWithFallback(ctx, c.registry, c.agentType, c.logger, func(ctx context.Context, model string) (string, error) {
		return NewChatClient(c.baseURL, modelName(model)).Complete(ctx, prompt)
	})
}
