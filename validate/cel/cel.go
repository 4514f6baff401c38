// Package cel adapts google/cel-go into a bundoc.Validator, rejecting a
// candidate root that fails one or more named boolean rules. Grounded in
// rules.RulesEngine (rules/engine.go): same compile-once,
// evaluate-against-a-map-context shape (each rule's program is kept in the
// Validator; there is no cache shared across Validators), narrowed from
// an ACL allow/deny check to a root-acceptance check.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/bundoc-io/bundoc"
)

// Rule is one named boolean expression a candidate root must satisfy. The
// expression sees the candidate document as the variable `root`. A rule
// evaluating to false produces Message as a validation issue (or a default
// naming the rule when Message is empty); an evaluation error or a non-bool
// result produces an issue naming the rule instead. A rule that fails to
// compile makes New return an error.
type Rule struct {
	Name       string
	Expression string
	Message    string
}

// Validator evaluates a fixed set of compiled CEL rules against a
// candidate root on every commit.
type Validator struct {
	env   *cel.Env
	rules []compiledRule
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// New compiles rules once; a compile error in any rule is returned
// immediately rather than deferred to first use, matching the eager-compile
// posture CELPredicate uses for query predicates (celquery.go).
func New(rules []Rule) (*Validator, error) {
	env, err := cel.NewEnv(cel.Variable("root", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("bundoc/validate/cel: env: %w", err)
	}
	v := &Validator{env: env, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("bundoc/validate/cel: compile %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("bundoc/validate/cel: program %q: %w", r.Name, err)
		}
		v.rules = append(v.rules, compiledRule{Rule: r, prg: prg})
	}
	return v, nil
}

// Validate implements bundoc.Validator.
func (v *Validator) Validate(candidate bundoc.Value) []string {
	ctx := map[string]interface{}{"root": candidate.ToNative()}
	var issues []string
	for _, r := range v.rules {
		out, _, err := r.prg.Eval(ctx)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: eval error: %v", r.Name, err))
			continue
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			issues = append(issues, fmt.Sprintf("%s: rule did not evaluate to bool", r.Name))
			continue
		}
		if !ok {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("rule %q failed", r.Name)
			}
			issues = append(issues, msg)
		}
	}
	return issues
}
