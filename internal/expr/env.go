// Package expr compiles the CEL expressions operators use to classify
// collaborator failures.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// DefaultTransientExpression treats throttling, overload and gateway errors as
// worth retrying.
const DefaultTransientExpression = `status == 429 || status == 503 || status == 529 || status == 502 || status == 504 || message.matches("(?i)overloaded")`

// Environment builds and compiles CEL programs against failure descriptions.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the variables a failure expression can use: the
// HTTP-like status, the error message, the 1-based attempt, the provider name
// and free-form details.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("status", cel.IntType),
		cel.Variable("message", cel.StringType),
		cel.Variable("attempt", cel.IntType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("details", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program}, nil
}

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// Failure describes one failed collaborator call.
type Failure struct {
	Status   int
	Message  string
	Attempt  int
	Provider string
	Details  map[string]any
}

func (f Failure) activation() map[string]any {
	details := f.Details
	if details == nil {
		details = map[string]any{}
	}
	return map[string]any{
		"status":   int64(f.Status),
		"message":  f.Message,
		"attempt":  int64(f.Attempt),
		"provider": f.Provider,
		"details":  details,
	}
}

// Classifier decides whether a Failure is transient.
type Classifier struct {
	program Program
}

// NewClassifier compiles expression, falling back to
// DefaultTransientExpression when it is blank.
func NewClassifier(expression string) (*Classifier, error) {
	if strings.TrimSpace(expression) == "" {
		expression = DefaultTransientExpression
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, err
	}
	return &Classifier{program: program}, nil
}

// Transient evaluates the classifier for f.
func (c *Classifier) Transient(f Failure) (bool, error) {
	return c.program.EvalBool(f.activation())
}

// Source returns the classifier expression.
func (c *Classifier) Source() string { return c.program.Source() }

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found {
		return types.NullValue
	}
	if value == nil {
		return types.NullValue
	}
	return value
}
