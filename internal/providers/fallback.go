package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/core"
)

// FallbackManager tries the requested provider first, then the rest of
// the configured failover order, until one succeeds. Each attempt runs
// under the configured per-call timeout.
type FallbackManager struct {
	registry *Registry
	enabled  bool
	order    []string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewFallbackManager(registry *Registry, cfg config.FallbackConfig, timeout time.Duration) *FallbackManager {
	order := cfg.Order
	if len(order) == 0 {
		order = []string{"openai", "gemini"}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FallbackManager{
		registry: registry,
		enabled:  cfg.Enabled,
		order:    order,
		timeout:  timeout,
		logger:   slog.Default().With("component", "fallback"),
	}
}

func (f *FallbackManager) complete(ctx context.Context, p Provider, messages []core.Message, model string, opts CompletionOptions) (*core.Envelope, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return p.Complete(callCtx, messages, model, opts)
}

// Execute runs the completion against the primary provider, falling
// through the configured order on failure. The requested model is kept on
// the primary; fallback providers use it only when it is in their model
// list, otherwise their default.
func (f *FallbackManager) Execute(ctx context.Context, messages []core.Message, model, provider string, opts CompletionOptions) (*core.Envelope, error) {
	if !f.enabled || provider == "" {
		p, err := f.registry.Get(provider)
		if err != nil {
			return nil, err
		}
		if model == "" {
			model = p.DefaultModel()
		}
		return f.complete(ctx, p, messages, model, opts)
	}

	chain := []string{provider}
	for _, name := range f.order {
		if name != provider {
			chain = append(chain, name)
		}
	}

	var lastErr error
	for _, name := range chain {
		p, err := f.registry.Get(name)
		if err != nil {
			lastErr = err
			continue
		}

		attemptModel := p.DefaultModel()
		if name == provider && model != "" {
			attemptModel = model
		} else if model != "" && supportsModel(p.Models(), model) {
			attemptModel = model
		}

		f.logger.Info("attempting provider", "provider", name, "model", attemptModel)
		envelope, err := f.complete(ctx, p, messages, attemptModel, opts)
		if err == nil {
			if name != provider {
				f.logger.Info("fallback succeeded", "provider", name)
			}
			return envelope, nil
		}
		lastErr = err
		f.logger.Warn("provider failed", "provider", name, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &ProviderError{
		Provider: "fallback",
		Message:  fmt.Sprintf("all providers failed, last error: %v", lastErr),
	}
}
