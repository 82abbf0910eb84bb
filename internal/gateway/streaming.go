package gateway

import (
	"context"
	"fmt"

	"github.com/aigateway/backend/internal/core"
	"github.com/aigateway/backend/internal/guardrails"
	"github.com/aigateway/backend/internal/pii"
	"github.com/aigateway/backend/internal/providers"
)

// StreamMasker is the streaming-capable masking surface: it mints a
// session like Masker and hands back a per-stream unmask handle.
type StreamMasker interface {
	Masker
	Session(ctx context.Context, sessionID string) (*pii.UnmaskSession, error)
}

// StreamProviderSource resolves a provider for the streaming path, which
// bypasses the failover chain.
type StreamProviderSource interface {
	Get(name string) (providers.Provider, error)
}

// StreamHooks observes stream lifecycle events. All fields are optional.
type StreamHooks struct {
	OnStart func(provider, model string)
	OnChunk func(chunk string)
	OnEnd   func(fullCompletion string, err error)
}

// Streamer runs the pre-call gates and relays upstream chunks as SSE
// frames. Streams skip the cache, budget checks, output guardrails and
// audit; violations found on input still block before the first frame.
type Streamer struct {
	limiter        RateLimiter
	detector       PIIDetector
	masker         StreamMasker
	checker        GuardrailChecker
	router         Router
	source         StreamProviderSource
	maskingEnabled bool
	hooks          StreamHooks
}

func NewStreamer(limiter RateLimiter, detector PIIDetector, masker StreamMasker, checker GuardrailChecker, router Router, source StreamProviderSource, maskingEnabled bool, hooks StreamHooks) *Streamer {
	return &Streamer{
		limiter:        limiter,
		detector:       detector,
		masker:         masker,
		checker:        checker,
		router:         router,
		source:         source,
		maskingEnabled: maskingEnabled,
		hooks:          hooks,
	}
}

// Stream writes SSE frames through emit: one "data: <chunk>\n\n" frame
// per upstream chunk, then "data: [DONE]\n\n". Errors before the first
// frame are returned; errors mid-stream become a "data: [ERROR] ..."
// frame since the status line is already gone.
func (s *Streamer) Stream(ctx context.Context, req Request, emit func(frame string) error) error {
	// Same admission gates as the blocking pipeline.
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, req.UserID.String(), req.Tier); err != nil {
			return err
		}
	}

	text := concatContent(req.Messages)
	mode := req.DetectionMode
	if mode == "" {
		mode = pii.ModeFast
	}
	detection := s.detector.Detect(text, mode)

	if s.checker != nil {
		result := s.checker.Check(guardrails.CheckArgs{Text: text, Entities: detection.Entities})
		if result.ShouldBlock {
			return &guardrails.ViolationError{Message: "guardrail violation", Violations: result.Violations}
		}
	}

	messages := req.Messages
	sessionID := ""
	if len(detection.Entities) > 0 && s.maskingEnabled && s.masker != nil {
		masked, sid, err := s.masker.Mask(ctx, text, detection.Entities)
		if err != nil {
			return fmt.Errorf("masking failed: %w", err)
		}
		sessionID = sid
		messages = make([]core.Message, len(req.Messages))
		copy(messages, req.Messages)
		if len(messages) > 0 {
			messages[len(messages)-1].Content = masked
		}
	}

	provider, model := req.Provider, req.Model
	if provider == "" && s.router != nil {
		provider, model = s.router.Route()
	}
	p, err := s.source.Get(provider)
	if err != nil {
		return err
	}
	if model == "" {
		model = p.DefaultModel()
	}

	var unmask *pii.UnmaskSession
	if sessionID != "" {
		unmask, err = s.masker.Session(ctx, sessionID)
		if err != nil {
			return err
		}
		defer unmask.Close(ctx)
	}

	chunks, err := p.Stream(ctx, messages, model, providers.CompletionOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(provider, model)
	}

	full := ""
	for chunk := range chunks {
		if chunk.Err != nil {
			if s.hooks.OnEnd != nil {
				s.hooks.OnEnd(full, chunk.Err)
			}
			return emit(fmt.Sprintf("data: [ERROR] %s\n\n", chunk.Err))
		}

		full += chunk.Text
		out := chunk.Text
		if unmask != nil {
			out = unmask.Apply(out)
		}
		if s.hooks.OnChunk != nil {
			s.hooks.OnChunk(out)
		}
		if err := emit(fmt.Sprintf("data: %s\n\n", out)); err != nil {
			return err
		}
	}

	if s.hooks.OnEnd != nil {
		s.hooks.OnEnd(full, nil)
	}
	return emit("data: [DONE]\n\n")
}
