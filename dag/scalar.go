package dag

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/kbukum/condflow/errors"
)

// ScalarType is the JSON type of a Scalar.
type ScalarType string

const (
	ScalarNumber ScalarType = "number"
	ScalarString ScalarType = "string"
	ScalarBool   ScalarType = "boolean"
)

// Scalar is a number, string or boolean read from a report or a parameter.
type Scalar struct {
	Type ScalarType `json:"type"`
	Num  float64    `json:"num,omitempty"`
	Str  string     `json:"str,omitempty"`
	Bool bool       `json:"bool,omitempty"`
}

// Number returns a numeric scalar.
func Number(f float64) Scalar { return Scalar{Type: ScalarNumber, Num: f} }

// String returns a string scalar.
func String(s string) Scalar { return Scalar{Type: ScalarString, Str: s} }

// Bool returns a boolean scalar.
func Bool(b bool) Scalar { return Scalar{Type: ScalarBool, Bool: b} }

// ScalarOf converts a Go value into a Scalar.
func ScalarOf(v any) (Scalar, error) {
	switch x := v.(type) {
	case Scalar:
		return x, nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	}
	return Scalar{}, fmt.Errorf("%T is not a scalar", v)
}

// String formats the value the way it would appear in JSON.
func (s Scalar) String() string {
	switch s.Type {
	case ScalarNumber:
		return strconv.FormatFloat(s.Num, 'g', -1, 64)
	case ScalarString:
		return strconv.Quote(s.Str)
	case ScalarBool:
		return strconv.FormatBool(s.Bool)
	}
	return "<invalid>"
}

// number returns the numeric view of s. Booleans count as 0 and 1.
func (s Scalar) number() (float64, bool) {
	switch s.Type {
	case ScalarNumber:
		return s.Num, true
	case ScalarBool:
		if s.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Compare orders a against b. Numbers and booleans compare numerically,
// strings lexicographically. Any other pairing is INCOMPARABLE_OPERANDS.
func Compare(a, b Scalar) (int, error) {
	if a.Type == ScalarString && b.Type == ScalarString {
		return strings.Compare(a.Str, b.Str), nil
	}
	x, okA := a.number()
	y, okB := b.number()
	if !okA || !okB {
		return 0, apperrors.IncomparableOperands(a.String(), b.String())
	}
	return cmp.Compare(x, y), nil
}

// Operator is a binary comparison.
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
)

var operatorAliases = map[string]Operator{
	"gt": OpGT, ">": OpGT,
	"gte": OpGTE, ">=": OpGTE,
	"lt": OpLT, "<": OpLT,
	"lte": OpLTE, "<=": OpLTE,
	"eq": OpEQ, "==": OpEQ,
}

// ParseOperator accepts the operator names and their symbols.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		return true
	}
	return false
}

// Symbol returns the infix form of op.
func (op Operator) Symbol() string {
	switch op {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	}
	return string(op)
}

// Apply compares a with b.
func (op Operator) Apply(a, b Scalar) (bool, error) {
	c, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	switch op {
	case OpGT:
		return c > 0, nil
	case OpGTE:
		return c >= 0, nil
	case OpLT:
		return c < 0, nil
	case OpLTE:
		return c <= 0, nil
	case OpEQ:
		return c == 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// value returns the scalar as a plain Go value.
func (s Scalar) value() any {
	switch s.Type {
	case ScalarNumber:
		return s.Num
	case ScalarString:
		return s.Str
	case ScalarBool:
		return s.Bool
	}
	return nil
}
