package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aigateway/backend/internal/budget"
	"github.com/aigateway/backend/internal/core"
	"github.com/aigateway/backend/internal/database"
	"github.com/aigateway/backend/internal/gateway"
	"github.com/aigateway/backend/internal/guardrails"
	"github.com/aigateway/backend/internal/pii"
	"github.com/aigateway/backend/internal/providers"
	"github.com/aigateway/backend/internal/ratelimit"
)

// GatewayService runs the blocking pipeline.
type GatewayService interface {
	ProcessRequest(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// StreamService runs the streaming pipeline.
type StreamService interface {
	Stream(ctx context.Context, req gateway.Request, emit func(frame string) error) error
}

// DetectService scans text for PII.
type DetectService interface {
	Detect(text, mode string) pii.DetectionResult
}

// WebhookStore is the subscription CRUD surface.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w database.Webhook) error
	WebhooksByUser(ctx context.Context, userID uuid.UUID) ([]database.Webhook, error)
	DeleteWebhook(ctx context.Context, id, userID uuid.UUID) (bool, error)
	GuardrailViolations(ctx context.Context, userID *uuid.UUID, limit int) ([]database.GuardrailLog, error)
}

// RuleSource lists the configured guardrail rules.
type RuleSource interface {
	Rules() []guardrails.RuleMeta
}

type chatRequest struct {
	Messages      []core.Message `json:"messages"`
	Model         string         `json:"model,omitempty"`
	Provider      string         `json:"provider,omitempty"`
	DetectionMode string         `json:"detection_mode,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
}

func (r *chatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d]: role is required", i)
		}
	}
	if r.DetectionMode != "" && r.DetectionMode != pii.ModeFast && r.DetectionMode != pii.ModeDetailed {
		return fmt.Errorf("detection_mode must be %q or %q", pii.ModeFast, pii.ModeDetailed)
	}
	return nil
}

func (r *chatRequest) toGateway(principal *Principal) gateway.Request {
	return gateway.Request{
		UserID:        principal.UserID,
		Messages:      r.Messages,
		Model:         r.Model,
		Provider:      r.Provider,
		DetectionMode: r.DetectionMode,
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.gateway.ProcessRequest(r.Context(), req.toGateway(principal))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	emit := func(frame string) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.streamer.Stream(r.Context(), req.toGateway(principal), emit); err != nil {
		if !started {
			writePipelineError(w, err)
			return
		}
		// Headers already sent; the error frame was the best we could do.
	}
}

type detectRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"`
}

func (s *Server) handleDetectPII(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = pii.ModeFast
	}
	writeJSON(w, http.StatusOK, s.detector.Detect(req.Text, mode))
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" || len(req.Events) == 0 || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "url, events and secret are required")
		return
	}

	hook := database.Webhook{
		ID:       uuid.New(),
		UserID:   principal.UserID,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		IsActive: true,
	}
	if err := s.webhooks.CreateWebhook(r.Context(), hook); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     hook.ID.String(),
		"url":    hook.URL,
		"events": hook.Events,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	hooks, err := s.webhooks.WebhooksByUser(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	out := make([]map[string]interface{}, 0, len(hooks))
	for _, h := range hooks {
		// The secret never leaves the server.
		out = append(out, map[string]interface{}{
			"id":         h.ID.String(),
			"url":        h.URL,
			"events":     h.Events,
			"is_active":  h.IsActive,
			"created_at": h.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	deleted, err := s.webhooks.DeleteWebhook(r.Context(), id, principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Rules())
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	// Admins see everything; users see their own rows.
	var userID *uuid.UUID
	if !principal.IsAdmin {
		userID = &principal.UserID
	}

	logs, err := s.webhooks.GuardrailViolations(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list violations")
		return
	}

	out := make([]map[string]interface{}, 0, len(logs))
	for _, l := range logs {
		entry := map[string]interface{}{
			"id":        l.ID.String(),
			"user_id":   l.UserID.String(),
			"rule_name": l.RuleName,
			"severity":  l.Severity,
			"action":    l.Action,
			"timestamp": l.Timestamp,
		}
		if l.RequestID != nil {
			entry["request_id"] = l.RequestID.String()
		}
		if len(l.Details) > 0 {
			entry["details"] = json.RawMessage(l.Details)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// writePipelineError maps pipeline errors to HTTP statuses: 429 with
// Retry-After, 402 for budget, 400 for blocked content, 504 for
// timeouts, 502 for upstream failures.
func writePipelineError(w http.ResponseWriter, err error) {
	var limitErr *ratelimit.LimitExceededError
	var budgetErr *budget.ExceededError
	var violationErr *guardrails.ViolationError
	var timeoutErr *providers.TimeoutError
	var providerErr *providers.ProviderError

	switch {
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfter))
		writeError(w, http.StatusTooManyRequests, limitErr.Message)
	case errors.As(err, &budgetErr):
		writeError(w, http.StatusPaymentRequired, budgetErr.Error())
	case errors.As(err, &violationErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      violationErr.Message,
			"violations": violationErr.Violations,
		})
	case errors.As(err, &timeoutErr):
		writeError(w, http.StatusGatewayTimeout, timeoutErr.Error())
	case errors.As(err, &providerErr):
		writeError(w, http.StatusBadGateway, providerErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
