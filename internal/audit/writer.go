// Package audit persists the request trail. Writes are best effort: the
// gateway never fails a request because its audit row could not be
// written.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aigateway/backend/internal/database"
	"github.com/aigateway/backend/internal/guardrails"
)

// Violations recorded without a request id are attached to the request
// finalised within this window.
const backfillWindow = 60 * time.Second

// Store is the persistence surface the writer needs; *database.Store
// satisfies it.
type Store interface {
	InsertRequestLog(ctx context.Context, entry database.RequestLog) error
	InsertGuardrailLog(ctx context.Context, entry database.GuardrailLog) error
	BackfillGuardrailRequestID(ctx context.Context, userID, requestID uuid.UUID, window time.Duration) error
}

type Writer struct {
	store  Store
	logger *slog.Logger
}

func NewWriter(store Store) *Writer {
	return &Writer{store: store, logger: slog.Default().With("component", "audit")}
}

// LogRequest writes one request row and attaches the user's recent
// unattached guardrail violations to it.
func (w *Writer) LogRequest(ctx context.Context, entry database.RequestLog) {
	if w.store == nil {
		return
	}
	if entry.RequestTimestamp.IsZero() {
		entry.RequestTimestamp = time.Now().UTC()
	}
	if err := w.store.InsertRequestLog(ctx, entry); err != nil {
		w.logger.Error("request log write failed", "request_id", entry.ID, "error", err)
		return
	}
	if err := w.store.BackfillGuardrailRequestID(ctx, entry.UserID, entry.ID, backfillWindow); err != nil {
		w.logger.Error("guardrail backfill failed", "request_id", entry.ID, "error", err)
	}
}

// LogViolations writes one guardrail row per violation. The request id
// may be unknown at violation time; the backfill on LogRequest attaches
// it later.
func (w *Writer) LogViolations(ctx context.Context, userID uuid.UUID, requestID *uuid.UUID, violations []guardrails.Violation) {
	if w.store == nil {
		return
	}
	for _, v := range violations {
		details, err := json.Marshal(v.Details)
		if err != nil {
			details = nil
		}
		entry := database.GuardrailLog{
			ID:        uuid.New(),
			UserID:    userID,
			RequestID: requestID,
			RuleName:  v.RuleName,
			Severity:  v.Severity,
			Action:    v.Action,
			Details:   details,
			Timestamp: time.Now().UTC(),
		}
		if err := w.store.InsertGuardrailLog(ctx, entry); err != nil {
			w.logger.Error("guardrail log write failed", "rule", v.RuleName, "error", err)
		}
	}
}
