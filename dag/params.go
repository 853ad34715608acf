package dag

import (
	"fmt"
	"math"
	"strconv"

	apperrors "github.com/kbukum/condflow/errors"
)

// ParamType is the declared type of a pipeline parameter.
type ParamType string

const (
	ParamInteger ParamType = "integer"
	ParamFloat   ParamType = "float"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
)

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	switch t {
	case ParamInteger, ParamFloat, ParamString, ParamBoolean:
		return true
	}
	return false
}

// Parameter is a named, typed pipeline input with a default value.
type Parameter struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Default any       `json:"default"`
}

// Bindings maps parameter names to values normalized to int64, float64,
// string or bool.
type Bindings map[string]any

// Scalar returns the bound value of name as a Scalar.
func (b Bindings) Scalar(name string) (Scalar, bool) {
	v, ok := b[name]
	if !ok {
		return Scalar{}, false
	}
	s, err := ScalarOf(v)
	return s, err == nil
}

// Text returns the bound value of name formatted for substitution into
// arguments.
func (b Bindings) Text(name string) (string, bool) {
	v, ok := b[name]
	if !ok {
		return "", false
	}
	return formatValue(v), true
}

// Coerce converts v to the canonical Go representation of t. Strings are
// parsed for non-string types so that values typed on a command line bind.
func Coerce(t ParamType, v any) (any, error) {
	switch t {
	case ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ParamInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			// 2^63 is the first float64 above MaxInt64.
			if n == math.Trunc(n) && n >= math.MinInt64 && n < 1<<63 {
				return int64(n), nil
			}
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err == nil {
				return i, nil
			}
		}
	case ParamFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err == nil {
				return f, nil
			}
		}
	case ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err == nil {
				return parsed, nil
			}
		}
	default:
		return nil, fmt.Errorf("unknown parameter type %q", t)
	}
	return nil, fmt.Errorf("value %v (%T) is not a valid %s", v, v, t)
}

// bind resolves overrides against the declared parameters.
func bind(params []Parameter, overrides map[string]any) (Bindings, error) {
	declared := make(map[string]Parameter, len(params))
	b := make(Bindings, len(params))
	for _, p := range params {
		declared[p.Name] = p
		b[p.Name] = p.Default
	}
	for name, raw := range overrides {
		p, ok := declared[name]
		if !ok {
			return nil, apperrors.UndeclaredParameter(name)
		}
		v, err := Coerce(p.Type, raw)
		if err != nil {
			return nil, apperrors.InvalidParameter(name, err.Error())
		}
		b[name] = v
	}
	return b, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(v)
	}
}
