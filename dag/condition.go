package dag

import (
	"context"
	"fmt"

	apperrors "github.com/kbukum/condflow/errors"
)

// ConditionCheck records one evaluated condition.
type ConditionCheck struct {
	Condition string `json:"condition"`
	Left      Scalar `json:"left"`
	Right     Scalar `json:"right"`
	Result    bool   `json:"result"`
}

// Evaluation is the outcome of evaluating a condition list. Checks holds
// only the conditions that were actually read.
type Evaluation struct {
	Result bool             `json:"result"`
	Checks []ConditionCheck `json:"checks"`
}

// Branch returns the branch selected by the evaluation.
func (e Evaluation) Branch() Branch {
	if e.Result {
		return BranchIf
	}
	return BranchElse
}

// ConditionEvaluator ANDs conditions left to right, stopping at the first
// false one.
type ConditionEvaluator struct {
	reader   *PropertyFileReader
	bindings Bindings
}

// NewConditionEvaluator evaluates against reader with parameter bindings
// for parameter operands.
func NewConditionEvaluator(reader *PropertyFileReader, bindings Bindings) *ConditionEvaluator {
	return &ConditionEvaluator{reader: reader, bindings: bindings}
}

// Evaluate returns the conjunction of conds.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, conds []Condition) (Evaluation, error) {
	eval := Evaluation{Result: true}
	for _, c := range conds {
		left, err := e.reader.Read(ctx, c.Left)
		if err != nil {
			return eval, err
		}
		right, err := e.operand(c.Right)
		if err != nil {
			return eval, err
		}
		ok, err := c.Op.Apply(left, right)
		if err != nil {
			if appErr, isApp := apperrors.AsAppError(err); isApp {
				return eval, appErr.WithDetail("condition", c.String())
			}
			return eval, err
		}
		eval.Checks = append(eval.Checks, ConditionCheck{Condition: c.String(), Left: left, Right: right, Result: ok})
		if !ok {
			eval.Result = false
			return eval, nil
		}
	}
	return eval, nil
}

func (e *ConditionEvaluator) operand(o Operand) (Scalar, error) {
	if o.Param == "" {
		return o.Value, nil
	}
	s, ok := e.bindings.Scalar(o.Param)
	if !ok {
		return Scalar{}, apperrors.UndeclaredParameter(o.Param).WithCause(fmt.Errorf("parameter %q is not bound", o.Param))
	}
	return s, nil
}
