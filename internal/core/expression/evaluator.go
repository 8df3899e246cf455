package expression

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/ast"
	"github.com/antonmedv/expr/parser"
	"github.com/antonmedv/expr/vm"
)

// Evaluator executes one compiled expression against a variable environment.
// An Evaluator owns mutable scratch space and must not be shared between
// concurrent callers; use Clone to obtain an independent copy.
type Evaluator interface {
	// Execute evaluates the expression with the given variables in scope.
	Execute(vars map[string]interface{}) (interface{}, error)

	// Clone returns an evaluator that shares the compiled program but owns
	// its own scratch state.
	Clone() Evaluator

	// Source returns the expression text the evaluator was compiled from.
	Source() string
}

// Compile turns an expression into an Evaluator. The program is compiled
// without a typed environment: identifiers, including the built-in functions
// such as startTimeEndTime and currentTimeMillis, are resolved at Execute time.
func Compile(source string) (Evaluator, error) {
	program, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", source, err)
	}
	return &programEvaluator{
		source:  source,
		program: program,
		scratch: make(map[string]interface{}),
	}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level constants.
func MustCompile(source string) Evaluator {
	ev, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return ev
}

// programEvaluator runs an expr program. The program is immutable and shared
// between clones; scratch is the per-clone environment rebuilt on every call.
type programEvaluator struct {
	source  string
	program *vm.Program
	scratch map[string]interface{}
}

func (e *programEvaluator) Execute(vars map[string]interface{}) (interface{}, error) {
	for k := range e.scratch {
		delete(e.scratch, k)
	}
	for k, v := range builtins() {
		e.scratch[k] = v
	}
	for k, v := range vars {
		e.scratch[k] = v
	}

	out, err := expr.Run(e.program, e.scratch)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", e.source, err)
	}
	return out, nil
}

func (e *programEvaluator) Clone() Evaluator {
	return &programEvaluator{
		source:  e.source,
		program: e.program,
		scratch: make(map[string]interface{}, len(e.scratch)),
	}
}

func (e *programEvaluator) Source() string { return e.source }

// constantEvaluator always yields the same value. Used for literal per values
// and for bounds supplied directly by callers.
type constantEvaluator struct {
	value interface{}
}

// Constant returns an Evaluator that ignores its variables and yields value.
func Constant(value interface{}) Evaluator {
	return constantEvaluator{value: value}
}

func (c constantEvaluator) Execute(map[string]interface{}) (interface{}, error) {
	return c.value, nil
}

func (c constantEvaluator) Clone() Evaluator { return c }

func (c constantEvaluator) Source() string { return fmt.Sprintf("%v", c.value) }

// EvaluateBool runs a predicate. A nil evaluator accepts everything.
func EvaluateBool(ev Evaluator, vars map[string]interface{}) (bool, error) {
	if ev == nil {
		return true, nil
	}
	out, err := ev.Execute(vars)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", ev.Source(), out)
	}
}

// CloneOrNil clones ev, keeping nil as nil.
func CloneOrNil(ev Evaluator) Evaluator {
	if ev == nil {
		return nil
	}
	return ev.Clone()
}

// StringConstant reports whether source is a single string literal, and its value.
func StringConstant(source string) (string, bool) {
	tree, err := parser.Parse(source)
	if err != nil {
		return "", false
	}
	if s, ok := tree.Node.(*ast.StringNode); ok {
		return s.Value, true
	}
	return "", false
}
