// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates an engine with no rules loaded.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("mcc", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("has_history", cel.BoolType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("recent_location_count", cel.IntType),
		cel.Variable("location_seen", cel.BoolType),
		cel.Variable("device_customer_count", cel.IntType),
		cel.Variable("high_risk_mccs", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// NewDefaultEngine creates an engine loaded with domain.DefaultRules.
func NewDefaultEngine() (*Engine, error) {
	e, err := NewEngine()
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(domain.DefaultRules()); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadRules compiles configs and replaces the loaded rule set.
// Rules are kept in the order given.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	compiled := make([]*CompiledRule, 0, len(configs))
	seen := make(map[domain.RuleName]bool, len(configs))
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		if seen[cfg.Name] {
			return fmt.Errorf("duplicate rule %s", cfg.Name)
		}
		seen[cfg.Name] = true

		cr, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.compiledRules = compiled
	e.mu.Unlock()
	return nil
}

// Evaluate runs every loaded rule against tx and its history and returns the
// rules that fired. Each rule is evaluated independently; there is no
// short-circuiting across rules.
func (e *Engine) Evaluate(tx *domain.Transaction, h History) []domain.RuleTrigger {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	features := ExtractFeatures(tx, h)
	activation := features.activation()

	var triggers []domain.RuleTrigger
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			// Expressions are type-checked at load time, so this only happens on
			// a malformed activation.
			slog.Warn("rule evaluation error",
				"rule", rule.Config.Name,
				"tx_id", tx.ID,
				"error", err,
			)
			continue
		}
		if fired, ok := out.Value().(bool); !ok || !fired {
			continue
		}
		triggers = append(triggers, domain.RuleTrigger{
			Rule:   rule.Config.Name,
			Weight: rule.Config.Weight,
			Reason: describe(rule.Config.Name, tx, features),
		})
	}
	return triggers
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("rule %s: weight must not be negative", cfg.Name)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.Name, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Name, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// describe renders the analyst-facing explanation for a fired rule.
func describe(name domain.RuleName, tx *domain.Transaction, f Features) string {
	switch name {
	case domain.RuleHighAmount:
		return fmt.Sprintf("Amount %s exceeds threshold %s",
			formatMoney(tx.Amount), formatMoney(decimal.NewFromInt(domain.HighAmountThreshold)))
	case domain.RuleVelocity:
		return fmt.Sprintf("Customer made %d transactions in the last hour", f.VelocityCount)
	case domain.RuleGeoJump:
		from := make([]string, len(f.RecentLocations))
		for i, l := range f.RecentLocations {
			from[i] = l.String()
		}
		return fmt.Sprintf("Location jump from %s to %s within %.1f hours",
			strings.Join(from, "; "), tx.Location(), domain.GeoJumpWindow.Hours())
	case domain.RuleDeviceSharing:
		return fmt.Sprintf("Device %s used by %d different customers in the last 7 days",
			tx.DeviceID, f.DeviceCustomerCount)
	case domain.RuleUnusualTime:
		return fmt.Sprintf("Transaction occurred at unusual time: %s", tx.Timestamp.Format("15:04"))
	case domain.RuleSuspiciousMerchant:
		return fmt.Sprintf("Transaction at high-risk merchant category (MCC: %s)", tx.MCC)
	default:
		return string(name)
	}
}

// formatMoney renders an amount as $1,234.56.
func formatMoney(d decimal.Decimal) string {
	s := d.StringFixed(2)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := "$" + b.String() + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}
