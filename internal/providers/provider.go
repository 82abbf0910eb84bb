// Package providers holds the upstream LLM clients and the routing
// layers (failover chain, A/B router) in front of them.
package providers

import (
	"context"
	"fmt"

	"github.com/aigateway/backend/internal/core"
)

// CompletionOptions are the per-request generation knobs. Nil fields use
// the upstream default.
type CompletionOptions struct {
	MaxTokens   *int
	Temperature *float64
}

// StreamChunk is one unit of a streamed completion. Err is set on the
// final chunk when the stream failed mid-flight.
type StreamChunk struct {
	Text string
	Err  error
}

// Provider is one upstream LLM backend.
type Provider interface {
	Name() string
	DefaultModel() string
	Models() []string
	Complete(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (*core.Envelope, error)
	Stream(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (<-chan StreamChunk, error)
	Cost(model string, usage core.TokenUsage) float64
}

// ProviderError is a non-retryable upstream failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

// TimeoutError marks an upstream call that exceeded its deadline.
type TimeoutError struct {
	Provider string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: request timed out", e.Provider)
}

// supportsModel reports whether model is in the provider's published list.
// An empty list accepts everything.
func supportsModel(models []string, model string) bool {
	if len(models) == 0 {
		return true
	}
	for _, m := range models {
		if m == model {
			return true
		}
	}
	return false
}
