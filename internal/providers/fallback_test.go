package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/core"
)

// fakeProvider scripts Complete outcomes and records the models it saw.
type fakeProvider struct {
	name         string
	defaultModel string
	models       []string
	err          error
	calls        []string
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) DefaultModel() string { return f.defaultModel }
func (f *fakeProvider) Models() []string     { return f.models }

func (f *fakeProvider) Complete(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (*core.Envelope, error) {
	f.calls = append(f.calls, model)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Envelope{Completion: "ok", Model: model, Provider: f.name}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []core.Message, model string, opts CompletionOptions) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Cost(model string, usage core.TokenUsage) float64 { return 0 }

func newTestRegistry(ps ...*fakeProvider) *Registry {
	r := &Registry{providers: map[string]Provider{}}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

func fallbackConfig(order ...string) config.FallbackConfig {
	return config.FallbackConfig{Enabled: true, Order: order}
}

var messages = []core.Message{{Role: "user", Content: "hi"}}

func TestExecutePrimarySucceeds(t *testing.T) {
	openai := &fakeProvider{name: "openai", defaultModel: "gpt-3.5-turbo"}
	gemini := &fakeProvider{name: "gemini", defaultModel: "gemini-pro"}
	f := NewFallbackManager(newTestRegistry(openai, gemini), fallbackConfig("openai", "gemini"), time.Second)

	envelope, err := f.Execute(context.Background(), messages, "gpt-4", "openai", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "openai", envelope.Provider)
	assert.Equal(t, []string{"gpt-4"}, openai.calls)
	assert.Empty(t, gemini.calls, "fallback must not run when the primary succeeds")
}

func TestExecuteFallsBackWithDefaultModel(t *testing.T) {
	openai := &fakeProvider{
		name: "openai", defaultModel: "gpt-3.5-turbo",
		err: &ProviderError{Provider: "openai", StatusCode: 500, Message: "upstream error"},
	}
	gemini := &fakeProvider{name: "gemini", defaultModel: "gemini-pro", models: []string{"gemini-pro"}}
	f := NewFallbackManager(newTestRegistry(openai, gemini), fallbackConfig("openai", "gemini"), time.Second)

	envelope, err := f.Execute(context.Background(), messages, "gpt-4", "openai", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", envelope.Provider)
	// gpt-4 is not in gemini's model list, so the fallback uses its default.
	assert.Equal(t, []string{"gemini-pro"}, gemini.calls)
}

func TestExecuteFallbackKeepsSupportedModel(t *testing.T) {
	openai := &fakeProvider{
		name: "openai", defaultModel: "gpt-3.5-turbo",
		err: &ProviderError{Provider: "openai", StatusCode: 503, Message: "unavailable"},
	}
	gemini := &fakeProvider{name: "gemini", defaultModel: "gemini-pro", models: []string{"gemini-pro", "shared-model"}}
	f := NewFallbackManager(newTestRegistry(openai, gemini), fallbackConfig("openai", "gemini"), time.Second)

	envelope, err := f.Execute(context.Background(), messages, "shared-model", "openai", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", envelope.Provider)
	assert.Equal(t, []string{"shared-model"}, gemini.calls)
}

func TestExecuteAllProvidersFail(t *testing.T) {
	openai := &fakeProvider{name: "openai", err: &TimeoutError{Provider: "openai"}}
	gemini := &fakeProvider{name: "gemini", err: &ProviderError{Provider: "gemini", StatusCode: 500, Message: "boom"}}
	f := NewFallbackManager(newTestRegistry(openai, gemini), fallbackConfig("openai", "gemini"), time.Second)

	_, err := f.Execute(context.Background(), messages, "", "openai", CompletionOptions{})
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "fallback", provErr.Provider)
	assert.Contains(t, provErr.Message, "all providers failed")
	assert.Len(t, openai.calls, 1)
	assert.Len(t, gemini.calls, 1)
}

func TestExecuteDisabledGoesDirect(t *testing.T) {
	openai := &fakeProvider{name: "openai", defaultModel: "gpt-3.5-turbo", err: &TimeoutError{Provider: "openai"}}
	gemini := &fakeProvider{name: "gemini", defaultModel: "gemini-pro"}
	f := NewFallbackManager(newTestRegistry(openai, gemini), config.FallbackConfig{Enabled: false}, time.Second)

	_, err := f.Execute(context.Background(), messages, "", "openai", CompletionOptions{})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Empty(t, gemini.calls)
	// Empty model falls back to the provider default.
	assert.Equal(t, []string{"gpt-3.5-turbo"}, openai.calls)
}

func TestExecuteUnknownPrimarySkipsToOrder(t *testing.T) {
	gemini := &fakeProvider{name: "gemini", defaultModel: "gemini-pro"}
	f := NewFallbackManager(newTestRegistry(gemini), fallbackConfig("gemini"), time.Second)

	envelope, err := f.Execute(context.Background(), messages, "", "anthropic", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", envelope.Provider)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	openai := &fakeProvider{name: "openai", err: &TimeoutError{Provider: "openai"}}
	gemini := &fakeProvider{name: "gemini"}
	f := NewFallbackManager(newTestRegistry(openai, gemini), fallbackConfig("openai", "gemini"), time.Second)

	cancel()
	_, err := f.Execute(ctx, messages, "", "openai", CompletionOptions{})
	require.Error(t, err)
	assert.Empty(t, gemini.calls, "chain must stop once the request context is done")
}
