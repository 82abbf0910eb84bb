// Package budget enforces per-user spend limits over rolling periods.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/database"
)

// Estimated pre-check pricing: tokens ≈ 1.3 per word at a flat
// $0.000002/token. The real cost replaces the estimate after the call.
const (
	tokensPerWord       = 1.3
	estimatedTokenPrice = 0.000002
)

// ExceededError reports a rejected pre-check.
type ExceededError struct {
	CurrentSpend float64
	Limit        float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: $%.2f / $%.2f", e.CurrentSpend, e.Limit)
}

// Store is the persistence surface the meter needs; *database.Store
// satisfies it.
type Store interface {
	GetBudget(ctx context.Context, userID uuid.UUID) (*database.Budget, error)
	CreateBudget(ctx context.Context, b database.Budget) error
	ResetBudget(ctx context.Context, userID uuid.UUID, resetAt time.Time) error
	AddSpend(ctx context.Context, userID uuid.UUID, amount float64) error
}

// Notifier receives budget alert events. Implemented by the webhook
// dispatcher.
type Notifier interface {
	Trigger(event string, data map[string]interface{})
}

// Meter checks and records spend against per-user budgets.
type Meter struct {
	store           Store
	enabled         bool
	defaultLimit    float64
	defaultPeriod   string
	alertThresholds []float64
	notifier        Notifier
	now             func() time.Time
	logger          *slog.Logger
}

func NewMeter(store Store, cfg config.BudgetConfig, notifier Notifier) *Meter {
	limit := cfg.DefaultLimit
	if limit <= 0 {
		limit = 1000
	}
	period := cfg.DefaultPeriod
	if period == "" {
		period = "monthly"
	}
	thresholds := cfg.AlertThresholds
	if len(thresholds) == 0 {
		thresholds = []float64{0.5, 0.75, 0.9}
	}
	return &Meter{
		store:           store,
		enabled:         cfg.Enabled,
		defaultLimit:    limit,
		defaultPeriod:   period,
		alertThresholds: thresholds,
		notifier:        notifier,
		now:             time.Now,
		logger:          slog.Default().With("component", "budget"),
	}
}

// EstimateCost approximates the cost of a prompt before the upstream
// call, from its whitespace word count.
func EstimateCost(text string) float64 {
	words := len(strings.Fields(text))
	return float64(words) * tokensPerWord * estimatedTokenPrice
}

// Check admits or rejects the estimated cost. A missing budget is
// created with the defaults; an elapsed period is reset before the
// comparison.
func (m *Meter) Check(ctx context.Context, userID uuid.UUID, cost float64) error {
	if !m.enabled {
		return nil
	}

	b, err := m.store.GetBudget(ctx, userID)
	if err != nil {
		return err
	}
	if b == nil {
		b = &database.Budget{
			ID:      uuid.New(),
			UserID:  userID,
			Limit:   m.defaultLimit,
			Period:  m.defaultPeriod,
			ResetAt: NextReset(m.defaultPeriod, m.now().UTC()),
		}
		if err := m.store.CreateBudget(ctx, *b); err != nil {
			return err
		}
	}

	if !m.now().UTC().Before(b.ResetAt) {
		resetAt := NextReset(b.Period, m.now().UTC())
		if err := m.store.ResetBudget(ctx, userID, resetAt); err != nil {
			return err
		}
		b.CurrentSpend = 0
		b.ResetAt = resetAt
	}

	if b.CurrentSpend+cost > b.Limit {
		return &ExceededError{CurrentSpend: b.CurrentSpend, Limit: b.Limit}
	}
	return nil
}

// Track records actual spend and fires alert events for any crossed
// threshold. Failures are logged, never surfaced to the caller.
func (m *Meter) Track(ctx context.Context, userID uuid.UUID, cost float64) {
	if !m.enabled {
		return
	}
	if err := m.store.AddSpend(ctx, userID, cost); err != nil {
		m.logger.Error("track spend failed", "user_id", userID, "error", err)
		return
	}
	m.checkAlerts(ctx, userID)
}

func (m *Meter) checkAlerts(ctx context.Context, userID uuid.UUID) {
	b, err := m.store.GetBudget(ctx, userID)
	if err != nil || b == nil || b.Limit <= 0 {
		return
	}

	ratio := b.CurrentSpend / b.Limit
	for _, threshold := range m.alertThresholds {
		if ratio >= threshold {
			m.logger.Warn("budget alert", "user_id", userID, "usage_ratio", ratio, "threshold", threshold)
			if m.notifier != nil {
				m.notifier.Trigger("budget.alert", map[string]interface{}{
					"user_id":       userID.String(),
					"current_spend": b.CurrentSpend,
					"limit":         b.Limit,
					"usage_ratio":   ratio,
					"threshold":     threshold,
				})
			}
		}
	}
}

// NextReset returns the boundary ending the period containing now:
// next midnight for daily, next Monday 00:00 for weekly, first of next
// month for monthly. All boundaries are UTC.
func NextReset(period string, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case "daily":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case "weekly":
		days := int(time.Monday - now.Weekday())
		if days <= 0 {
			days += 7
		}
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	default: // monthly
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}
