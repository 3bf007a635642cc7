package sequencer

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/opsen/sequent/pkg/schema"
)

// DefaultApprovalRule reproduces the product's historical heuristic: decision
// steps always need a human checkpoint, and so does any step that produced
// actions under a declared blueprint. The rule is an expression rather than
// hard-wired logic because product has not settled whether blueprint-only
// steps without side effects should really gate on approval.
const DefaultApprovalRule = `step_type == "decision" || (has_blueprint && action_count > 0)`

// ApprovalPolicy decides whether a successfully executed step still requires
// operator approval before the workflow advances.
type ApprovalPolicy struct {
	rule    string
	program *vm.Program
}

// NewApprovalPolicy compiles the given rule. An empty rule selects
// DefaultApprovalRule. Available variables: step_type (string), has_blueprint
// (bool), action_count (int, actions excluding the bare "complete" marker).
func NewApprovalPolicy(rule string) (*ApprovalPolicy, error) {
	if rule == "" {
		rule = DefaultApprovalRule
	}
	program, err := expr.Compile(rule,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"approval rule compile error in %q: %s", rule, err.Error()).WithCause(err)
	}
	return &ApprovalPolicy{rule: rule, program: program}, nil
}

// RequiresApproval evaluates the rule for one completed step. Evaluation
// failure falls back to requiring approval: a broken rule must not let steps
// slip past their checkpoint.
func (p *ApprovalPolicy) RequiresApproval(step schema.Step, decided *schema.DecisionResult) bool {
	env := map[string]any{
		"step_type":     string(step.Type),
		"has_blueprint": !step.Requirements.Blueprint.Empty(),
		"action_count":  countEffectiveActions(decided),
	}
	out, err := vm.Run(p.program, env)
	if err != nil {
		return true
	}
	b, ok := out.(bool)
	return !ok || b
}

// countEffectiveActions counts decided actions that do something. The bare
// "complete" marker is not an action for approval purposes.
func countEffectiveActions(decided *schema.DecisionResult) int {
	if decided == nil {
		return 0
	}
	n := 0
	for _, a := range decided.Actions {
		if a.Type != schema.ActionComplete {
			n++
		}
	}
	return n
}
