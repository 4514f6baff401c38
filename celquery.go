package bundoc

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPredicate compiles a boolean CEL expression once and evaluates it
// against each candidate element as `elem`, giving hosts without cheap
// closures a way to ship a predicate as a string instead of code. Grounded
// in rules.RulesEngine (rules/engine.go), generalized from an ACL-rule
// evaluator (auth/resource context) to a plain element predicate.
type CELPredicate struct {
	prg cel.Program
}

// NewCELPredicate compiles expr, which must reference the candidate
// element as the variable `elem` and evaluate to a bool.
func NewCELPredicate(expr string) (*CELPredicate, error) {
	env, err := cel.NewEnv(cel.Variable("elem", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("bundoc: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("bundoc: cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("bundoc: cel program: %w", err)
	}
	return &CELPredicate{prg: prg}, nil
}

// Match implements Predicate.
func (p *CELPredicate) Match(elem Value) bool {
	out, _, err := p.prg.Eval(map[string]interface{}{"elem": elem.ToNative()})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
