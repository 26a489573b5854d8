package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-dispatch/pkg/schema"
	"github.com/Mindburn-Labs/helm-dispatch/pkg/workorder"
)

const (
	// CodeCriteriaNotMet marks a completed work order whose output failed
	// its acceptance criteria.
	CodeCriteriaNotMet = "CRITERIA_NOT_MET"
	// CodeWorkOrderFailed is used for a failed work order carrying no error.
	CodeWorkOrderFailed = "WORK_ORDER_FAILED"
)

// ErrPredicate is returned for acceptance predicates that do not compile or
// do not evaluate to a bool.
var ErrPredicate = errors.New("supervisor: invalid acceptance predicate")

// Verdict is the quality gate's decision on one work order.
type Verdict struct {
	WorkOrderID string   `json:"work_order_id"`
	Accepted    bool     `json:"accepted"`
	Code        string   `json:"code,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Gate checks work order output against its acceptance criteria: required
// fields, JSON-schema conformance and CEL predicates over `output`.
// Compiled programs are cached by expression.
type Gate struct {
	schemas *schema.Cache
	env     *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewGate creates a quality gate.
func NewGate(schemas *schema.Cache) (*Gate, error) {
	env, err := cel.NewEnv(cel.Variable("output", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("supervisor: create CEL environment: %w", err)
	}
	if schemas == nil {
		schemas = schema.NewCache()
	}
	return &Gate{schemas: schemas, env: env, programs: make(map[string]cel.Program)}, nil
}

// Check evaluates a terminal work order. A failed work order is rejected
// with its own error code; every other check runs and all problems are
// reported together.
func (g *Gate) Check(wo *workorder.WorkOrder) Verdict {
	v := Verdict{WorkOrderID: wo.ID}
	if wo.State != workorder.StateCompleted {
		v.Code = CodeWorkOrderFailed
		if wo.Error != nil {
			v.Code = wo.Error.Code
			v.Reasons = []string{wo.Error.Error()}
		} else {
			v.Reasons = []string{fmt.Sprintf("work order is %s", wo.State)}
		}
		return v
	}

	crit := wo.AcceptanceCriteria
	for _, field := range crit.RequiredFields {
		if val, ok := wo.Output[field]; !ok || val == nil {
			v.Reasons = append(v.Reasons, fmt.Sprintf("missing required field %q", field))
		}
	}
	if crit.OutputSchema != nil {
		if err := g.schemas.Validate(crit.OutputSchema, wo.Output); err != nil {
			v.Reasons = append(v.Reasons, err.Error())
		}
	}
	for _, expr := range crit.Predicates {
		ok, err := g.eval(expr, wo.Output)
		switch {
		case err != nil:
			v.Reasons = append(v.Reasons, err.Error())
		case !ok:
			v.Reasons = append(v.Reasons, fmt.Sprintf("predicate not satisfied: %s", expr))
		}
	}

	if len(v.Reasons) > 0 {
		v.Code = CodeCriteriaNotMet
		return v
	}
	v.Accepted = true
	return v
}

// Compile checks that every predicate in criteria compiles. The supervisor
// calls it at planning time.
func (g *Gate) Compile(criteria workorder.AcceptanceCriteria) error {
	for _, expr := range criteria.Predicates {
		if _, err := g.program(expr); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) eval(expr string, output map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	if output == nil {
		output = map[string]any{}
	}
	val, _, err := prg.Eval(map[string]any{"output": output})
	if err != nil {
		// Missing keys surface as evaluation errors; they fail the predicate.
		return false, fmt.Errorf("predicate %q: %v", expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q does not evaluate to bool", ErrPredicate, expr)
	}
	return b, nil
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.programs[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, iss := g.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrPredicate, expr, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q has type %s", ErrPredicate, expr, t)
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrPredicate, expr, err)
	}

	g.mu.Lock()
	g.programs[expr] = prg
	g.mu.Unlock()
	return prg, nil
}
