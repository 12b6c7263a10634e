package template

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
)

// DisallowedConstructError reports a rejected expression node kind, surfaced
// during SafeEval's compile step so a condition step fails validation rather
// than executing a disguised function call.
type DisallowedConstructError struct {
	Kind string
}

func (e *DisallowedConstructError) Error() string {
	return fmt.Sprintf("condition: disallowed expression construct: %s", e.Kind)
}

// nodeKindGuard walks a compiled expr AST and records the first disallowed
// node kind it finds. Function calls, builtins, closures (lambdas), `let`
// declarations and ternaries are rejected: a condition expression may only
// combine booleans, comparisons, arithmetic, membership tests and literals.
type nodeKindGuard struct {
	err error
}

func (g *nodeKindGuard) Visit(node *ast.Node) {
	if g.err != nil || node == nil {
		return
	}
	var kind string
	switch (*node).(type) {
	case *ast.CallNode:
		kind = "function call"
	case *ast.BuiltinNode:
		kind = "builtin function"
	case *ast.ClosureNode:
		kind = "lambda"
	case *ast.PredicateNode:
		kind = "predicate closure"
	case *ast.VariableDeclaratorNode:
		kind = "variable declaration"
	case *ast.ConditionalNode:
		kind = "ternary conditional"
	}
	if kind != "" {
		g.err = &DisallowedConstructError{Kind: kind}
	}
}

// SafeEval evaluates a boolean-ish expression against scope in a sandbox
// that rejects anything beyond booleans, comparisons, arithmetic, membership
// and literals. Callers resolve template references in the expression
// string before calling SafeEval (see Resolve), so scope lookups here are
// plain identifier/member access, not {{...}} syntax.
func SafeEval(expression string, scope map[string]any) (any, error) {
	guard := &nodeKindGuard{}
	program, compileErr := expr.Compile(expression, expr.Env(scope), expr.Patch(guard))
	if guard.err != nil {
		return nil, guard.err
	}
	if compileErr != nil {
		return nil, fmt.Errorf("condition: compile error: %w", compileErr)
	}

	out, err := expr.Run(program, scope)
	if err != nil {
		return nil, fmt.Errorf("condition: eval error: %w", err)
	}
	return out, nil
}

// SafeEvalBool evaluates expression and coerces the result to bool the way
// the condition step handler needs: non-bool results error rather than
// being truthiness-coerced, so a misconfigured expression fails loudly.
func SafeEvalBool(expression string, scope map[string]any) (bool, error) {
	out, err := SafeEval(expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression did not evaluate to a boolean, got %T", out)
	}
	return b, nil
}
