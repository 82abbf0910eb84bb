// Package gateway orchestrates the request pipeline: rate limiting, PII
// detection and masking, guardrails, the semantic cache, budget
// enforcement, the upstream call with failover, and the async tail of
// audit and webhook work.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aigateway/backend/internal/budget"
	"github.com/aigateway/backend/internal/core"
	"github.com/aigateway/backend/internal/database"
	"github.com/aigateway/backend/internal/guardrails"
	"github.com/aigateway/backend/internal/pii"
	"github.com/aigateway/backend/internal/providers"
	"github.com/aigateway/backend/internal/ratelimit"
)

// asyncTimeout bounds the detached audit/webhook work spawned per
// request.
const asyncTimeout = 10 * time.Second

// RateLimiter admits or rejects a request for a principal.
type RateLimiter interface {
	Check(ctx context.Context, userID, tier string) error
}

// PIIDetector scans text for personal data.
type PIIDetector interface {
	Detect(text, mode string) pii.DetectionResult
}

// Masker replaces detected entities with reversible sentinels.
type Masker interface {
	Mask(ctx context.Context, text string, entities []pii.Entity) (string, string, error)
	Unmask(ctx context.Context, text, sessionID string) (string, error)
}

// GuardrailChecker evaluates policy rules over content.
type GuardrailChecker interface {
	Check(args guardrails.CheckArgs) guardrails.Result
}

// ResponseCache is the semantic cache surface.
type ResponseCache interface {
	Get(ctx context.Context, query string) *core.Envelope
	Set(ctx context.Context, query string, envelope *core.Envelope)
}

// BudgetMeter pre-checks and records spend.
type BudgetMeter interface {
	Check(ctx context.Context, userID uuid.UUID, cost float64) error
	Track(ctx context.Context, userID uuid.UUID, cost float64)
}

// Router picks the provider and model for an unrouted request.
type Router interface {
	Route() (provider, model string)
}

// Executor runs the completion against the upstream chain.
type Executor interface {
	Execute(ctx context.Context, messages []core.Message, model, provider string, opts providers.CompletionOptions) (*core.Envelope, error)
}

// AuditSink persists the request trail.
type AuditSink interface {
	LogRequest(ctx context.Context, entry database.RequestLog)
	LogViolations(ctx context.Context, userID uuid.UUID, requestID *uuid.UUID, violations []guardrails.Violation)
}

// Notifier emits gateway events to subscribers.
type Notifier interface {
	Trigger(event string, data map[string]interface{})
}

// Request is one chat completion request entering the pipeline.
type Request struct {
	UserID        uuid.UUID
	Tier          string
	Messages      []core.Message
	Model         string
	Provider      string
	DetectionMode string
	MaxTokens     *int
	Temperature   *float64
}

// Response is the pipeline's result.
type Response struct {
	Completion  string          `json:"completion"`
	Tokens      core.TokenUsage `json:"tokens"`
	Cost        float64         `json:"cost"`
	CacheHit    bool            `json:"cache_hit"`
	PIIDetected bool            `json:"pii_detected"`
	PIIEntities []pii.Entity    `json:"pii_entities,omitempty"`
	DurationMS  int             `json:"duration_ms"`
	Model       string          `json:"model"`
	Provider    string          `json:"provider"`
	RequestID   string          `json:"request_id"`
}

// Service wires the pipeline stages together.
type Service struct {
	limiter        RateLimiter
	detector       PIIDetector
	masker         Masker
	guardrails     GuardrailChecker
	cache          ResponseCache
	budget         BudgetMeter
	router         Router
	executor       Executor
	audit          AuditSink
	notifier       Notifier
	metrics        *Metrics
	maskingEnabled bool
	logger         *slog.Logger

	wg sync.WaitGroup
	// nowFn and idFn are injected in tests.
	nowFn func() time.Time
	idFn  func() uuid.UUID
}

// Deps carries the pipeline's collaborators into NewService.
type Deps struct {
	Limiter        RateLimiter
	Detector       PIIDetector
	Masker         Masker
	Guardrails     GuardrailChecker
	Cache          ResponseCache
	Budget         BudgetMeter
	Router         Router
	Executor       Executor
	Audit          AuditSink
	Notifier       Notifier
	Metrics        *Metrics
	MaskingEnabled bool
}

func NewService(deps Deps) *Service {
	return &Service{
		limiter:        deps.Limiter,
		detector:       deps.Detector,
		masker:         deps.Masker,
		guardrails:     deps.Guardrails,
		cache:          deps.Cache,
		budget:         deps.Budget,
		router:         deps.Router,
		executor:       deps.Executor,
		audit:          deps.Audit,
		notifier:       deps.Notifier,
		metrics:        deps.Metrics,
		maskingEnabled: deps.MaskingEnabled,
		logger:         slog.Default().With("component", "gateway"),
		nowFn:          time.Now,
		idFn:           uuid.New,
	}
}

// concatContent joins message contents with single spaces, the text the
// detector and cache operate on.
func concatContent(messages []core.Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, " ")
}

// ProcessRequest runs the full pipeline. The request id is minted up
// front so every response, including cache hits, carries a distinct id.
func (s *Service) ProcessRequest(ctx context.Context, req Request) (*Response, error) {
	start := s.nowFn()
	requestID := s.idFn()

	if s.metrics != nil {
		s.metrics.ActiveRequests.Inc()
		defer s.metrics.ActiveRequests.Dec()
	}

	state := &requestState{req: req, requestID: requestID}

	resp, err := s.run(ctx, state)
	if err != nil {
		s.finishFailed(ctx, state, err, int(s.nowFn().Sub(start).Milliseconds()))
		return nil, err
	}

	resp.DurationMS = int(s.nowFn().Sub(start).Milliseconds())
	s.finishCompleted(ctx, state, resp)
	return resp, nil
}

type requestState struct {
	req         Request
	requestID   uuid.UUID
	text        string
	piiDetected bool
	piiEntities []pii.Entity
	violations  []guardrails.Violation
	provider    string
	model       string
}

func (s *Service) run(ctx context.Context, state *requestState) (*Response, error) {
	req := state.req

	// 1. Rate limit.
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, req.UserID.String(), req.Tier); err != nil {
			return nil, err
		}
	}

	// 2-3. Concatenate and scan the input.
	state.text = concatContent(req.Messages)
	mode := req.DetectionMode
	if mode == "" {
		mode = pii.ModeFast
	}
	detection := s.detector.Detect(state.text, mode)
	state.piiDetected = len(detection.Entities) > 0
	state.piiEntities = detection.Entities
	if state.piiDetected && s.metrics != nil {
		s.metrics.PIIDetectionsTotal.WithLabelValues("input").Inc()
	}

	// 4. Input guardrails.
	if err := s.checkGuardrails(ctx, state, state.text, state.piiEntities, "guardrail violation"); err != nil {
		return nil, err
	}

	// 5. Mask the final message.
	messages := req.Messages
	sessionID := ""
	if state.piiDetected && s.maskingEnabled && s.masker != nil {
		masked, sid, err := s.masker.Mask(ctx, state.text, state.piiEntities)
		if err != nil {
			return nil, fmt.Errorf("masking failed: %w", err)
		}
		sessionID = sid
		messages = make([]core.Message, len(req.Messages))
		copy(messages, req.Messages)
		if len(messages) > 0 {
			messages[len(messages)-1].Content = masked
		}
	}

	// 6. Cache lookup, keyed on the raw text.
	var envelope *core.Envelope
	cacheHit := false
	if s.cache != nil {
		if cached := s.cache.Get(ctx, state.text); cached != nil {
			cacheHit = true
			if s.metrics != nil {
				s.metrics.CacheHitsTotal.Inc()
			}
			s.logger.Info("cache hit", "request_id", state.requestID)
			// A hit costs nothing regardless of the stored cost.
			hit := *cached
			hit.CostUSD = 0
			envelope = &hit
		}
	}

	if !cacheHit {
		// 7. Budget pre-check on the estimated cost.
		if s.budget != nil {
			if err := s.budget.Check(ctx, req.UserID, budget.EstimateCost(state.text)); err != nil {
				return nil, err
			}
		}

		// 8. Route and call upstream with failover.
		provider, model := req.Provider, req.Model
		if provider == "" && s.router != nil {
			provider, model = s.router.Route()
		}
		state.provider, state.model = provider, model

		var err error
		envelope, err = s.executor.Execute(ctx, messages, model, provider, providers.CompletionOptions{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
		if err != nil {
			return nil, err
		}

		// 9. Store under the raw text for future lookups.
		if s.cache != nil {
			s.cache.Set(ctx, state.text, envelope)
		}
	}
	state.provider, state.model = envelope.Provider, envelope.Model

	// 10. Output guardrails, only when the completion itself carries PII.
	completion := envelope.Completion
	outputDetection := s.detector.Detect(completion, mode)
	if len(outputDetection.Entities) > 0 {
		if err := s.checkGuardrails(ctx, state, completion, outputDetection.Entities, "PII detected in output"); err != nil {
			return nil, err
		}
	}

	// 11. Unmask last, so cached and fresh completions both resolve.
	if sessionID != "" {
		unmasked, err := s.masker.Unmask(ctx, completion, sessionID)
		if err != nil {
			s.logger.Warn("unmask failed, returning masked completion", "request_id", state.requestID, "error", err)
		} else {
			completion = unmasked
		}
	}

	usage := core.TokenUsage{
		Prompt:     envelope.PromptTokens,
		Completion: envelope.CompletionTokens,
		Total:      envelope.TotalTokens,
	}

	// 12. Metrics.
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(envelope.Provider, envelope.Model, "completed").Inc()
		s.metrics.TokensPerRequest.WithLabelValues("prompt").Observe(float64(usage.Prompt))
		s.metrics.TokensPerRequest.WithLabelValues("completion").Observe(float64(usage.Completion))
		s.metrics.CostPerRequest.WithLabelValues(envelope.Provider, envelope.Model).Observe(envelope.CostUSD)
	}

	// 13. Track actual spend; cache hits cost nothing.
	if !cacheHit && s.budget != nil {
		s.budget.Track(ctx, req.UserID, envelope.CostUSD)
	}

	return &Response{
		Completion:  completion,
		Tokens:      usage,
		Cost:        envelope.CostUSD,
		CacheHit:    cacheHit,
		PIIDetected: state.piiDetected,
		PIIEntities: state.piiEntities,
		Model:       envelope.Model,
		Provider:    envelope.Provider,
		RequestID:   state.requestID.String(),
	}, nil
}

// checkGuardrails evaluates the rule set, records violations, and
// returns a ViolationError when the result blocks.
func (s *Service) checkGuardrails(ctx context.Context, state *requestState, text string, entities []pii.Entity, blockMessage string) error {
	if s.guardrails == nil {
		return nil
	}
	result := s.guardrails.Check(guardrails.CheckArgs{Text: text, Entities: entities})
	if result.Passed {
		return nil
	}

	state.violations = append(state.violations, result.Violations...)
	if s.metrics != nil {
		for _, v := range result.Violations {
			s.metrics.GuardrailViolations.WithLabelValues(v.RuleName, v.Severity).Inc()
		}
	}
	s.spawn(func(ctx context.Context) {
		if s.audit != nil {
			s.audit.LogViolations(ctx, state.req.UserID, nil, result.Violations)
		}
		if s.notifier != nil {
			s.notifier.Trigger("guardrail.violation", map[string]interface{}{
				"user_id":    state.req.UserID.String(),
				"violations": result.Violations,
			})
		}
	})

	if result.ShouldBlock {
		return &guardrails.ViolationError{Message: blockMessage, Violations: result.Violations}
	}
	return nil
}

// finishCompleted runs the async tail of a successful request: audit row
// with violation backfill, and the completion webhook.
func (s *Service) finishCompleted(ctx context.Context, state *requestState, resp *Response) {
	if s.metrics != nil {
		s.metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).
			Observe(float64(resp.DurationMS) / 1000)
	}

	entry := s.baseLogEntry(state)
	entry.Provider = resp.Provider
	entry.Model = resp.Model
	entry.Completion = resp.Completion
	entry.PromptTokens = resp.Tokens.Prompt
	entry.CompletionTokens = resp.Tokens.Completion
	entry.TotalTokens = resp.Tokens.Total
	entry.CostUSD = resp.Cost
	entry.DurationMS = resp.DurationMS
	entry.CacheHit = resp.CacheHit
	entry.Status = "completed"

	s.spawn(func(ctx context.Context) {
		if s.audit != nil {
			s.audit.LogRequest(ctx, entry)
		}
		if s.notifier != nil {
			s.notifier.Trigger("request.completed", map[string]interface{}{
				"request_id": state.requestID.String(),
				"user_id":    state.req.UserID.String(),
				"provider":   resp.Provider,
				"model":      resp.Model,
				"tokens":     resp.Tokens.Total,
				"cost":       resp.Cost,
				"timestamp":  float64(s.nowFn().UnixNano()) / float64(time.Second),
			})
		}
	})
}

// finishFailed maps the error to a terminal status and runs the async
// tail of a failed request.
func (s *Service) finishFailed(ctx context.Context, state *requestState, err error, durationMS int) {
	// Rate-limit rejections record as plain failures; the status enum is
	// {completed, failed, blocked, budget_exceeded}.
	status := "failed"
	var violationErr *guardrails.ViolationError
	var budgetErr *budget.ExceededError
	switch {
	case errors.As(err, &violationErr):
		status = "blocked"
	case errors.As(err, &budgetErr):
		status = "budget_exceeded"
	}

	provider, model := state.provider, state.model
	if provider == "" {
		provider = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(provider, model, status).Inc()
		s.metrics.ErrorsTotal.WithLabelValues(errorType(err), provider).Inc()
	}

	entry := s.baseLogEntry(state)
	entry.Provider = provider
	entry.Model = model
	entry.DurationMS = durationMS
	entry.Status = status
	entry.ErrorMessage = err.Error()

	message := err.Error()
	s.spawn(func(ctx context.Context) {
		if s.audit != nil {
			s.audit.LogRequest(ctx, entry)
		}
		if s.notifier != nil {
			s.notifier.Trigger("request.failed", map[string]interface{}{
				"user_id":   state.req.UserID.String(),
				"error":     message,
				"timestamp": float64(s.nowFn().UnixNano()) / float64(time.Second),
			})
		}
	})
}

func (s *Service) baseLogEntry(state *requestState) database.RequestLog {
	entry := database.RequestLog{
		ID:               state.requestID,
		UserID:           state.req.UserID,
		RequestTimestamp: s.nowFn().UTC(),
		MaxTokens:        state.req.MaxTokens,
		Temperature:      state.req.Temperature,
		PIIDetected:      state.piiDetected,
	}
	if data, err := json.Marshal(state.req.Messages); err == nil {
		entry.Messages = data
	}
	if len(state.piiEntities) > 0 {
		if data, err := json.Marshal(state.piiEntities); err == nil {
			entry.PIIEntities = data
		}
	}
	if len(state.violations) > 0 {
		if data, err := json.Marshal(state.violations); err == nil {
			entry.GuardrailViolations = data
		}
	}
	return entry
}

// spawn runs fn detached from the request context so audit and webhook
// work survives the client disconnecting. Shutdown waits for it.
func (s *Service) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Shutdown waits for all detached audit/webhook work to drain.
func (s *Service) Shutdown() {
	s.wg.Wait()
}

func errorType(err error) string {
	var violationErr *guardrails.ViolationError
	var budgetErr *budget.ExceededError
	var limitErr *ratelimit.LimitExceededError
	var providerErr *providers.ProviderError
	var timeoutErr *providers.TimeoutError
	switch {
	case errors.As(err, &violationErr):
		return "guardrail_violation"
	case errors.As(err, &budgetErr):
		return "budget_exceeded"
	case errors.As(err, &limitErr):
		return "rate_limit_exceeded"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &providerErr):
		return "provider_error"
	default:
		return "internal"
	}
}
