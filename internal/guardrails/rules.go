// Package guardrails evaluates configured policy rules against request
// and response content.
package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/pii"
)

// Severity and action values carried on rules and violations.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"

	ActionBlock = "block"
	ActionLog   = "log"
	ActionAlert = "alert"
)

// Violation is a single rule failure.
type Violation struct {
	RuleName string                 `json:"rule_name"`
	Severity string                 `json:"severity"`
	Action   string                 `json:"action"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// CheckArgs carries the material a rule may inspect. Nil Tokens/Cost mean
// the metric is unavailable for this check.
type CheckArgs struct {
	Text     string
	Entities []pii.Entity
	Tokens   *int
	Cost     *float64
}

// Rule is one configured guardrail.
type Rule interface {
	Meta() RuleMeta
	Check(args CheckArgs) *Violation
}

// RuleMeta is the configuration shared by every rule kind.
type RuleMeta struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
	Severity string `json:"severity"`
	Action   string `json:"action"`
}

func (m RuleMeta) Meta() RuleMeta { return m }

func (m RuleMeta) violation(message string, details map[string]interface{}) *Violation {
	return &Violation{
		RuleName: m.Name,
		Severity: m.Severity,
		Action:   m.Action,
		Message:  message,
		Details:  details,
	}
}

// MaxTokensRule fails when the token count exceeds its threshold.
type MaxTokensRule struct {
	RuleMeta
	Threshold int
}

func (r *MaxTokensRule) Check(args CheckArgs) *Violation {
	if args.Tokens == nil || *args.Tokens <= r.Threshold {
		return nil
	}
	return r.violation(
		fmt.Sprintf("token count %d exceeds threshold %d", *args.Tokens, r.Threshold),
		map[string]interface{}{"tokens": *args.Tokens, "threshold": r.Threshold},
	)
}

// MaxCostRule fails when the request cost exceeds its threshold.
type MaxCostRule struct {
	RuleMeta
	Threshold float64
}

func (r *MaxCostRule) Check(args CheckArgs) *Violation {
	if args.Cost == nil || *args.Cost <= r.Threshold {
		return nil
	}
	return r.violation(
		fmt.Sprintf("cost $%.4f exceeds threshold $%.4f", *args.Cost, r.Threshold),
		map[string]interface{}{"cost": *args.Cost, "threshold": r.Threshold},
	)
}

// NoPIIRule fails when entities of a listed kind (or any kind, when the
// list is empty) are present.
type NoPIIRule struct {
	RuleMeta
	EntityTypes []string
}

func (r *NoPIIRule) Check(args CheckArgs) *Violation {
	var flagged []pii.Entity
	for _, e := range args.Entities {
		if len(r.EntityTypes) == 0 || contains(r.EntityTypes, string(e.Kind)) {
			flagged = append(flagged, e)
		}
	}
	if len(flagged) == 0 {
		return nil
	}

	kinds := make([]string, len(flagged))
	for i, e := range flagged {
		kinds[i] = string(e.Kind)
	}
	return r.violation(
		fmt.Sprintf("PII detected: %s", strings.Join(kinds, ", ")),
		map[string]interface{}{"entities": flagged},
	)
}

// ContentFilterRule fails when any of its patterns matches the text,
// case-insensitively.
type ContentFilterRule struct {
	RuleMeta
	Patterns []*regexp.Regexp
	raw      []string
}

func (r *ContentFilterRule) Check(args CheckArgs) *Violation {
	if args.Text == "" {
		return nil
	}
	for _, p := range r.Patterns {
		if p.MatchString(args.Text) {
			return r.violation(
				"content matches filtered patterns",
				map[string]interface{}{"patterns": r.raw},
			)
		}
	}
	return nil
}

// NewRule builds a rule from its configuration. Unknown types return an
// error rather than a silently inert rule.
func NewRule(cfg config.RuleConfig) (Rule, error) {
	meta := RuleMeta{
		Name:     cfg.Name,
		Type:     cfg.Type,
		Enabled:  cfg.Enabled,
		Severity: cfg.Severity,
		Action:   cfg.Action,
	}
	if meta.Severity == "" {
		meta.Severity = SeverityWarning
	}
	if meta.Action == "" {
		meta.Action = ActionLog
	}

	switch cfg.Type {
	case "threshold":
		if strings.Contains(strings.ToLower(cfg.Name), "cost") {
			return &MaxCostRule{RuleMeta: meta, Threshold: cfg.Threshold}, nil
		}
		return &MaxTokensRule{RuleMeta: meta, Threshold: int(cfg.Threshold)}, nil
	case "pii":
		return &NoPIIRule{RuleMeta: meta, EntityTypes: cfg.EntityTypes}, nil
	case "content":
		patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
		for _, raw := range cfg.Patterns {
			p, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("rule %q: bad pattern %q: %w", cfg.Name, raw, err)
			}
			patterns = append(patterns, p)
		}
		return &ContentFilterRule{RuleMeta: meta, Patterns: patterns, raw: cfg.Patterns}, nil
	default:
		return nil, fmt.Errorf("rule %q: unknown type %q", cfg.Name, cfg.Type)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
