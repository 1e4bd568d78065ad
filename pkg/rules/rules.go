// Package rules evaluates optional filter expressions attached to an
// action. When a filter evaluates to false the action is skipped and the
// workflow sees a successful, skipped result.
package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrBadExpression wraps compile failures, which are user errors.
var ErrBadExpression = errors.New("rules: invalid filter expression")

// MaxExpressionLength bounds filter source.
const MaxExpressionLength = 2000

// Evaluator compiles and caches filter programs. One evaluator serves all
// tenants; programs key on source text only, never on tenant data.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator declares the variables filters may read.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("properties", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("inputs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("objectType", cel.StringType),
		cel.Variable("workflowId", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build env: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval runs expr against the activation. An empty expression passes.
func (e *Evaluator) Eval(expr string, activation map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	if len(expr) > MaxExpressionLength {
		return false, fmt.Errorf("%w: longer than %d characters", ErrBadExpression, MaxExpressionLength)
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadExpression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression is not boolean", ErrBadExpression)
	}
	return b, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExpression, iss.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExpression, err)
	}

	e.mu.Lock()
	if len(e.cache) > 1024 {
		e.cache = make(map[string]cel.Program)
	}
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
