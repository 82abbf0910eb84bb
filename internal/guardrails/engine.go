package guardrails

import (
	"fmt"
	"log/slog"

	"github.com/aigateway/backend/internal/config"
)

// Result is the outcome of evaluating every enabled rule.
type Result struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
	// ShouldBlock is true when at least one violation carries the error
	// severity and blocking is enabled globally. The action field is
	// advisory routing for logs and alerts; severity decides blocking.
	ShouldBlock bool `json:"should_block"`
}

// ViolationError is returned by the pipeline when a blocking check fails.
type ViolationError struct {
	Message    string
	Violations []Violation
}

func (e *ViolationError) Error() string { return e.Message }

// Engine runs the configured rule set over request or response content.
type Engine struct {
	rules            []Rule
	enabled          bool
	blockOnViolation bool
	logger           *slog.Logger
}

func NewEngine(cfg config.GuardrailsConfig) (*Engine, error) {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rule, err := NewRule(rc)
		if err != nil {
			return nil, fmt.Errorf("guardrails: %w", err)
		}
		rules = append(rules, rule)
	}
	return &Engine{
		rules:            rules,
		enabled:          cfg.Enabled,
		blockOnViolation: cfg.BlockOnViolation,
		logger:           slog.Default().With("component", "guardrails"),
	}, nil
}

// Rules returns the metadata of every configured rule, for the listing
// endpoint.
func (e *Engine) Rules() []RuleMeta {
	metas := make([]RuleMeta, len(e.rules))
	for i, r := range e.rules {
		metas[i] = r.Meta()
	}
	return metas
}

// Check evaluates every enabled rule. A disabled engine always passes.
func (e *Engine) Check(args CheckArgs) Result {
	result := Result{Passed: true, Violations: []Violation{}}
	if !e.enabled {
		return result
	}

	for _, rule := range e.rules {
		if !rule.Meta().Enabled {
			continue
		}
		v := rule.Check(args)
		if v == nil {
			continue
		}
		result.Passed = false
		result.Violations = append(result.Violations, *v)
		if v.Severity == SeverityError && e.blockOnViolation {
			result.ShouldBlock = true
		}
		e.logger.Warn("guardrail violation",
			"rule", v.RuleName, "severity", v.Severity, "action", v.Action)
	}
	return result
}
