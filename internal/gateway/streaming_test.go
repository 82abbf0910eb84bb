package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/backend/internal/core"
	"github.com/aigateway/backend/internal/guardrails"
	"github.com/aigateway/backend/internal/pii"
	"github.com/aigateway/backend/internal/providers"
	"github.com/aigateway/backend/internal/ratelimit"
)

// streamProvider replays scripted chunks.
type streamProvider struct {
	name     string
	chunks   []providers.StreamChunk
	messages []core.Message
}

func (s *streamProvider) Name() string         { return s.name }
func (s *streamProvider) DefaultModel() string { return "stream-model" }
func (s *streamProvider) Models() []string     { return nil }

func (s *streamProvider) Complete(ctx context.Context, messages []core.Message, model string, opts providers.CompletionOptions) (*core.Envelope, error) {
	return nil, errors.New("not used")
}

func (s *streamProvider) Stream(ctx context.Context, messages []core.Message, model string, opts providers.CompletionOptions) (<-chan providers.StreamChunk, error) {
	s.messages = messages
	ch := make(chan providers.StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (s *streamProvider) Cost(model string, usage core.TokenUsage) float64 { return 0 }

type singleProviderSource struct{ p providers.Provider }

func (s *singleProviderSource) Get(name string) (providers.Provider, error) {
	if s.p == nil {
		return nil, errors.New("no provider")
	}
	return s.p, nil
}

func newStreamer(p providers.Provider, limiter RateLimiter, checker GuardrailChecker, hooks StreamHooks) *Streamer {
	return NewStreamer(
		limiter,
		&stubDetector{},
		pii.NewMasker(nil, 0),
		checker,
		&stubRouter{provider: "openai", model: "stream-model"},
		&singleProviderSource{p: p},
		true,
		hooks,
	)
}

func collectFrames(t *testing.T, s *Streamer, req Request) []string {
	t.Helper()
	var frames []string
	err := s.Stream(context.Background(), req, func(frame string) error {
		frames = append(frames, frame)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func TestStreamEmitsChunksAndDone(t *testing.T) {
	p := &streamProvider{name: "openai", chunks: []providers.StreamChunk{
		{Text: "Hello"}, {Text: " world"},
	}}
	var started, chunks []string
	s := newStreamer(p, nil, nil, StreamHooks{
		OnStart: func(provider, model string) { started = []string{provider, model} },
		OnChunk: func(chunk string) { chunks = append(chunks, chunk) },
	})

	frames := collectFrames(t, s, userRequest("hi there"))

	assert.Equal(t, []string{
		"data: Hello\n\n",
		"data:  world\n\n",
		"data: [DONE]\n\n",
	}, frames)
	assert.Equal(t, []string{"openai", "stream-model"}, started)
	assert.Equal(t, []string{"Hello", " world"}, chunks)
}

func TestStreamMasksUpstreamInput(t *testing.T) {
	p := &streamProvider{name: "openai", chunks: []providers.StreamChunk{{Text: "done"}}}
	detector := &stubDetector{entities: []pii.Entity{{Kind: pii.KindEmail, Text: "jane@example.com", Confidence: 1}}}
	s := NewStreamer(nil, detector, pii.NewMasker(nil, 0), nil,
		&stubRouter{provider: "openai", model: "stream-model"},
		&singleProviderSource{p: p}, true, StreamHooks{})

	err := s.Stream(context.Background(), userRequest("mail jane@example.com today"), func(string) error { return nil })
	require.NoError(t, err)

	require.NotEmpty(t, p.messages)
	sent := p.messages[len(p.messages)-1].Content
	assert.NotContains(t, sent, "jane@example.com")
	assert.Contains(t, sent, "<EMAIL:")
}

func TestStreamRateLimited(t *testing.T) {
	limiter := &stubLimiter{err: &ratelimit.LimitExceededError{Message: "rate limit exceeded", RetryAfter: 10}}
	s := newStreamer(&streamProvider{name: "openai"}, limiter, nil, StreamHooks{})

	err := s.Stream(context.Background(), userRequest("q"), func(string) error {
		t.Fatal("no frame may be emitted")
		return nil
	})
	var limitErr *ratelimit.LimitExceededError
	assert.ErrorAs(t, err, &limitErr)
}

func TestStreamGuardrailBlocksBeforeFirstFrame(t *testing.T) {
	checker := &stubGuardrails{results: []guardrails.Result{{
		Passed:      false,
		Violations:  []guardrails.Violation{{RuleName: "no_pii", Action: "block"}},
		ShouldBlock: true,
	}}}
	s := newStreamer(&streamProvider{name: "openai"}, nil, checker, StreamHooks{})

	err := s.Stream(context.Background(), userRequest("q"), func(string) error {
		t.Fatal("no frame may be emitted")
		return nil
	})
	var violationErr *guardrails.ViolationError
	require.ErrorAs(t, err, &violationErr)
	assert.Len(t, violationErr.Violations, 1)
}

func TestStreamUpstreamErrorBecomesFrame(t *testing.T) {
	p := &streamProvider{name: "openai", chunks: []providers.StreamChunk{
		{Text: "partial"},
		{Err: errors.New("connection reset")},
	}}
	var endedWith error
	s := newStreamer(p, nil, nil, StreamHooks{
		OnEnd: func(full string, err error) { endedWith = err },
	})

	frames := collectFrames(t, s, userRequest("q"))

	require.Len(t, frames, 2)
	assert.Equal(t, "data: partial\n\n", frames[0])
	assert.True(t, strings.HasPrefix(frames[1], "data: [ERROR] "))
	assert.Error(t, endedWith)
}

func TestStreamEmitFailureStops(t *testing.T) {
	p := &streamProvider{name: "openai", chunks: []providers.StreamChunk{
		{Text: "one"}, {Text: "two"},
	}}
	s := newStreamer(p, nil, nil, StreamHooks{})

	calls := 0
	err := s.Stream(context.Background(), userRequest("q"), func(string) error {
		calls++
		return errors.New("client gone")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
