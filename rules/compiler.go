package rules

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// DefaultCostLimit stops runaway expressions
const DefaultCostLimit = 1000000

// Compiler turns rule documents into units backed by CEL programs.
// Expressions see two variables: event (the record under test) and shared
// (constants declared by helper files).
type Compiler struct {
	env       *cel.Env
	shared    map[string]any
	costLimit uint64
}

// NewCompiler creates the CEL environment shared by all rules of one load
func NewCompiler(shared map[string]any, regexTimeout time.Duration) (*Compiler, error) {
	if shared == nil {
		shared = map[string]any{}
	}

	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("shared", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
		cel.Lib(newHelperLib(regexTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{env: env, shared: shared, costLimit: DefaultCostLimit}, nil
}

// Compile binds every capability the document declares. Any expression that
// does not compile fails the whole document: there are no partial units.
func (c *Compiler) Compile(id, source string, doc *Document) (*Unit, error) {
	var caps Capabilities

	if doc.Rule != "" {
		prog, out, err := c.program(doc.Rule)
		if err != nil {
			return nil, fmt.Errorf("rule: %w", err)
		}
		if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule: expression yields %s, want bool", out)
		}
		caps.Predicate = func(event Event) (bool, error) {
			val, err := c.eval(prog, event)
			if err != nil {
				return false, err
			}
			b, ok := val.(types.Bool)
			if !ok {
				return false, fmt.Errorf("rule returned %s, want bool", val.Type().TypeName())
			}
			return bool(b), nil
		}
	}

	if doc.Title != "" {
		fn, err := c.stringCapability(doc.Title)
		if err != nil {
			return nil, fmt.Errorf("title: %w", err)
		}
		caps.Title = fn
	}

	if doc.Dedup != "" {
		fn, err := c.stringCapability(doc.Dedup)
		if err != nil {
			return nil, fmt.Errorf("dedup: %w", err)
		}
		caps.Dedup = fn
	}

	if doc.Severity != "" {
		severity := doc.Severity
		caps.Severity = func() (string, error) { return severity, nil }
	}

	if doc.Threshold != nil {
		threshold := *doc.Threshold
		caps.Threshold = func() int { return threshold }
	}

	return NewUnit(id, source, caps), nil
}

func (c *Compiler) stringCapability(expr string) (func(Event) (string, error), error) {
	prog, _, err := c.program(expr)
	if err != nil {
		return nil, err
	}
	return func(event Event) (string, error) {
		val, err := c.eval(prog, event)
		if err != nil {
			return "", err
		}
		return stringify(val)
	}, nil
}

func (c *Compiler) program(expr string) (cel.Program, *cel.Type, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := c.env.Program(ast, cel.CostLimit(c.costLimit))
	if err != nil {
		return nil, nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, ast.OutputType(), nil
}

func (c *Compiler) eval(prog cel.Program, event Event) (ref.Val, error) {
	out, _, err := prog.Eval(map[string]any{
		"event":  event,
		"shared": c.shared,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var errNullValue = errors.New("expression evaluated to null")

// stringify coerces a CEL result to its display form. Null is an error rather
// than a placeholder string such as "None", so title and dedup fall back to
// the rule_id.
func stringify(val ref.Val) (string, error) {
	switch v := val.(type) {
	case types.String:
		return string(v), nil
	case types.Bool:
		return strconv.FormatBool(bool(v)), nil
	case types.Int:
		return strconv.FormatInt(int64(v), 10), nil
	case types.Uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case types.Double:
		return strconv.FormatFloat(float64(v), 'f', -1, 64), nil
	case types.Null:
		return "", errNullValue
	default:
		return fmt.Sprint(val.Value()), nil
	}
}
