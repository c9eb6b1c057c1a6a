package config

import (
	"context"
	"fmt"
	"log/slog"
)

// CallWithFallback runs call against agentType's primary model; if call
// fails and a fallback model is configured, it makes exactly one further
// attempt against the fallback, logging `fallback_triggered` with the
// fields spec §4.L requires (primary_model, fallback_model, primary_error,
// error_type). Grounded on original_source/.../src/llm/pydantic_agent.py's
// FallbackModel/on_fallback pattern (see
// tests/integration/test_model_fallback.py's
// test_fallback_logging_callback_structure for the exact field set).
func CallWithFallback[T any](ctx context.Context, r *Registry, agentType string, logger *slog.Logger, call func(ctx context.Context, model string) (T, error)) (T, error) {
	var zero T

	primary, err := r.ModelFor(agentType)
	if err != nil {
		return zero, err
	}

	result, callErr := call(ctx, primary)
	if callErr == nil {
		return result, nil
	}

	fallback, ok := r.FallbackFor(agentType)
	if !ok {
		return zero, callErr
	}

	logger.Warn("fallback_triggered",
		"primary_model", primary,
		"fallback_model", fallback,
		"primary_error", callErr.Error(),
		"error_type", fmt.Sprintf("%T", callErr),
	)

	return call(ctx, fallback)
}
