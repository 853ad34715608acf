package dag

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind distinguishes the two node variants.
type Kind string

const (
	KindStep      Kind = "step"
	KindCondition Kind = "condition"
)

// Branch names one of the two alternatives of a ConditionStep.
type Branch string

const (
	BranchIf   Branch = "if"
	BranchElse Branch = "else"
)

// Node is a *Step or a *ConditionStep.
type Node interface {
	NodeID() string
	NodeKind() Kind
	isNode()
}

// OutputRef points at a named output of a step.
type OutputRef struct {
	StepID string `json:"step"`
	Output string `json:"output"`
}

// String returns "step.output".
func (r OutputRef) String() string { return r.StepID + "." + r.Output }

// ParseOutputRef parses "step.output". The output name is everything after
// the first dot.
func ParseOutputRef(s string) (OutputRef, error) {
	step, output, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || step == "" || output == "" {
		return OutputRef{}, fmt.Errorf("reference %q must have the form step.output", s)
	}
	return OutputRef{StepID: step, Output: output}, nil
}

// Input binds a local name to another step's output.
type Input struct {
	Name string    `json:"name"`
	Ref  OutputRef `json:"from"`
}

// CachePolicy enables result reuse for a step. A zero TTL falls back to the
// executor default.
type CachePolicy struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// RetryPolicy makes a step retryable.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff,omitempty"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty"`
}

// Step runs an executable.
type Step struct {
	ID string
	// Run is the executable path or name.
	Run  string
	Args []string
	// Dir is the working directory; empty means the attempt directory.
	Dir string
	Env map[string]string
	// Inputs are materialized before the step starts.
	Inputs []Input
	// Outputs must all be produced by a successful invocation.
	Outputs []string
	// DependsOn orders the step after other nodes without passing data.
	DependsOn []string
	Cache     CachePolicy
	Retry     *RetryPolicy
	// Timeout bounds each attempt. Zero means the executor default.
	Timeout time.Duration
}

func (s *Step) NodeID() string { return s.ID }
func (s *Step) NodeKind() Kind { return KindStep }
func (*Step) isNode()          {}

// HasOutput reports whether the step declares output name.
func (s *Step) HasOutput(name string) bool {
	for _, o := range s.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

func (s *Step) clone() *Step {
	c := *s
	c.Args = append([]string(nil), s.Args...)
	c.Env = maps.Clone(s.Env)
	c.Inputs = append([]Input(nil), s.Inputs...)
	c.Outputs = append([]string(nil), s.Outputs...)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Retry != nil {
		r := *s.Retry
		c.Retry = &r
	}
	return &c
}

// PropertyFile names a scalar field inside a step's JSON output.
type PropertyFile struct {
	StepID string `json:"step"`
	Output string `json:"output"`
	// Path is dot-delimited; array elements are addressed by index.
	Path string `json:"path"`
}

// Ref returns the output holding the report.
func (p PropertyFile) Ref() OutputRef { return OutputRef{StepID: p.StepID, Output: p.Output} }

// Operand is the right-hand side of a condition: a literal or a parameter.
type Operand struct {
	Value Scalar `json:"value,omitzero"`
	Param string `json:"param,omitempty"`
}

// Literal returns a literal operand.
func Literal(s Scalar) Operand { return Operand{Value: s} }

// Param returns an operand bound to a pipeline parameter at run time.
func Param(name string) Operand { return Operand{Param: name} }

func (o Operand) String() string {
	if o.Param != "" {
		return "{{params." + o.Param + "}}"
	}
	return o.Value.String()
}

// Condition compares a report field with an operand.
type Condition struct {
	Left  PropertyFile `json:"left"`
	Op    Operator     `json:"op"`
	Right Operand      `json:"right"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s.%s[%s] %s %s", c.Left.StepID, c.Left.Output, c.Left.Path, c.Op.Symbol(), c.Right)
}

// ConditionStep selects one of two branches by ANDing its conditions.
type ConditionStep struct {
	ID         string
	Conditions []Condition
	If         []Node
	Else       []Node
	// BestEffort absorbs a failure inside the chosen branch instead of
	// failing the run.
	BestEffort bool
	DependsOn  []string
}

func (c *ConditionStep) NodeID() string { return c.ID }
func (c *ConditionStep) NodeKind() Kind { return KindCondition }
func (*ConditionStep) isNode()          {}

// Branch returns the nodes of b.
func (c *ConditionStep) Branch(b Branch) []Node {
	if b == BranchIf {
		return c.If
	}
	return c.Else
}

func (c *ConditionStep) clone() *ConditionStep {
	cp := *c
	cp.Conditions = append([]Condition(nil), c.Conditions...)
	cp.DependsOn = append([]string(nil), c.DependsOn...)
	cp.If = cloneNodes(c.If)
	cp.Else = cloneNodes(c.Else)
	return &cp
}

func cloneNode(n Node) Node {
	switch v := n.(type) {
	case *Step:
		return v.clone()
	case *ConditionStep:
		return v.clone()
	}
	return n
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = cloneNode(n)
	}
	return out
}
