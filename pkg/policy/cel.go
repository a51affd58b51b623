package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

const (
	celCostLimit         = 10000
	celInterruptInterval = 100
)

// Rule is a CEL expression over the variable intent that must evaluate to true
// for the intent to be allowed.
type Rule struct {
	Name   string `json:"name" yaml:"name"`
	Expr   string `json:"expr" yaml:"expr"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// CELPolicy evaluates compiled CEL rules in order. Any rule that is false, errors
// or exceeds the cost limit denies.
type CELPolicy struct {
	rules    []Rule
	programs []cel.Program
	logger   *slog.Logger
}

// NewCELPolicy compiles rules. The intent is exposed as a map with keys kind,
// agent_id, role, mode, counterparty, amount, asset, category and metadata.
func NewCELPolicy(rules []Rule) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	p := &CELPolicy{
		rules:  append([]Rule(nil), rules...),
		logger: slog.Default().With("component", "cel_policy"),
	}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(celInterruptInterval),
			cel.CostLimit(celCostLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: program for rule %q: %w", r.Name, err)
		}
		p.programs = append(p.programs, prg)
	}
	return p, nil
}

func (p *CELPolicy) Decide(in Intent) Decision {
	input := map[string]any{"intent": intentMap(in)}
	for i, prg := range p.programs {
		rule := p.rules[i]
		out, _, err := prg.Eval(input)
		if err != nil {
			p.logger.Warn("cel rule failed to evaluate", "rule", rule.Name, "agent_id", in.AgentID, "error", err)
			return Deny(fmt.Sprintf("rule %q: evaluation error: %v", rule.Name, err))
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return Deny(fmt.Sprintf("rule %q: result is not bool", rule.Name))
		}
		if !ok {
			if rule.Reason != "" {
				return Deny(rule.Reason)
			}
			return Deny(fmt.Sprintf("rule %q denied", rule.Name))
		}
	}
	return Allow()
}

func intentMap(in Intent) map[string]any {
	meta := make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"kind":         string(in.Kind),
		"agent_id":     in.AgentID,
		"role":         in.Role,
		"mode":         in.Mode,
		"counterparty": in.Counterparty,
		"amount":       in.Amount,
		"asset":        in.Asset,
		"category":     in.Category,
		"metadata":     meta,
	}
}
