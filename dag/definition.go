package dag

import (
	"fmt"
	"time"

	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/validation"
)

// Definition is the declarative form of a pipeline, as read from YAML or JSON.
type Definition struct {
	// Name is the pipeline identifier.
	Name string `yaml:"name" json:"name" validate:"required"`
	// Description is free text shown by listings.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Parameters are the run-time inputs of the pipeline.
	Parameters []ParameterDef `yaml:"parameters,omitempty" json:"parameters,omitempty" validate:"dive"`
	// Nodes are the top-level nodes in declaration order.
	Nodes []NodeDef `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
}

// ParameterDef declares a pipeline parameter.
type ParameterDef struct {
	Name    string `yaml:"name" json:"name" validate:"required,nodeid"`
	Type    string `yaml:"type" json:"type" validate:"required,oneof=integer float string boolean"`
	Default any    `yaml:"default" json:"default"`
}

// NodeDef defines a step or a condition node.
type NodeDef struct {
	// ID is the node identifier, unique across the whole pipeline.
	ID string `yaml:"id" json:"id" validate:"required,nodeid"`
	// Type is "step" (default) or "condition".
	Type string `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=step condition"`
	// DependsOn lists nodes this node waits for without consuming outputs.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,required"`

	Run     string            `yaml:"run,omitempty" json:"run,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Inputs  []InputDef        `yaml:"inputs,omitempty" json:"inputs,omitempty" validate:"dive"`
	Outputs []string          `yaml:"outputs,omitempty" json:"outputs,omitempty" validate:"dive,nodeid"`
	Cache   *CacheDef         `yaml:"cache,omitempty" json:"cache,omitempty"`
	Retry   *RetryDef         `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	Conditions []ConditionDef `yaml:"conditions,omitempty" json:"conditions,omitempty" validate:"dive"`
	If         []NodeDef      `yaml:"if,omitempty" json:"if,omitempty" validate:"dive"`
	Else       []NodeDef      `yaml:"else,omitempty" json:"else,omitempty" validate:"dive"`
	BestEffort bool           `yaml:"best_effort,omitempty" json:"best_effort,omitempty"`
}

// InputDef binds an input name to "Step.output".
type InputDef struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	From string `yaml:"from" json:"from" validate:"required"`
}

// CacheDef is the YAML form of CachePolicy.
type CacheDef struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	TTL     time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" validate:"gte=0"`
}

// RetryDef is the YAML form of RetryPolicy.
type RetryDef struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	Backoff     time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty" validate:"gte=0"`
}

// ConditionDef compares a report field with a literal or "{{params.NAME}}".
type ConditionDef struct {
	Left  PropertyFileDef `yaml:"left" json:"left"`
	Op    string          `yaml:"op" json:"op" validate:"required"`
	Right any             `yaml:"right" json:"right"`
}

// PropertyFileDef names a field of a step's JSON output.
type PropertyFileDef struct {
	Step   string `yaml:"step" json:"step" validate:"required"`
	Output string `yaml:"output" json:"output" validate:"required"`
	Path   string `yaml:"path" json:"path" validate:"required"`
}

// Build validates the definition and constructs its Graph.
func (d *Definition) Build() (*Graph, error) {
	if err := validation.Validate(d); err != nil {
		appErr, _ := apperrors.AsAppError(err)
		out := apperrors.InvalidDefinition(err.Error()).WithCause(err)
		if appErr != nil {
			out = out.WithDetails(appErr.Details)
		}
		return nil, out
	}

	params := make([]Parameter, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		params = append(params, Parameter{Name: p.Name, Type: ParamType(p.Type), Default: p.Default})
	}
	nodes, err := toNodes(d.Nodes)
	if err != nil {
		return nil, err
	}
	return Build(d.Name, params, nodes...)
}

func toNodes(defs []NodeDef) ([]Node, error) {
	nodes := make([]Node, 0, len(defs))
	for _, def := range defs {
		n, err := def.toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (d NodeDef) toNode() (Node, error) {
	switch d.Type {
	case "", string(KindStep):
		if len(d.Conditions) > 0 || len(d.If) > 0 || len(d.Else) > 0 || d.BestEffort {
			return nil, invalid(d.ID, "conditions and branches are only allowed on condition nodes")
		}
		s := &Step{
			ID:        d.ID,
			Run:       d.Run,
			Args:      d.Args,
			Dir:       d.Dir,
			Env:       d.Env,
			Outputs:   d.Outputs,
			DependsOn: d.DependsOn,
			Timeout:   d.Timeout,
		}
		for _, in := range d.Inputs {
			ref, err := ParseOutputRef(in.From)
			if err != nil {
				return nil, invalid(d.ID, "input %q: %v", in.Name, err)
			}
			s.Inputs = append(s.Inputs, Input{Name: in.Name, Ref: ref})
		}
		if d.Cache != nil {
			s.Cache = CachePolicy{Enabled: d.Cache.Enabled, TTL: d.Cache.TTL}
		}
		if d.Retry != nil {
			s.Retry = &RetryPolicy{MaxAttempts: d.Retry.MaxAttempts, Backoff: d.Retry.Backoff, MaxBackoff: d.Retry.MaxBackoff}
		}
		return s, nil

	case string(KindCondition):
		if d.Run != "" || len(d.Args) > 0 || len(d.Inputs) > 0 || len(d.Outputs) > 0 || d.Cache != nil || d.Retry != nil {
			return nil, invalid(d.ID, "condition nodes cannot run executables or declare inputs and outputs")
		}
		c := &ConditionStep{ID: d.ID, BestEffort: d.BestEffort, DependsOn: d.DependsOn}
		for i, cd := range d.Conditions {
			op, err := ParseOperator(cd.Op)
			if err != nil {
				return nil, invalid(d.ID, "condition %d: %v", i, err)
			}
			right, err := parseOperand(cd.Right)
			if err != nil {
				return nil, invalid(d.ID, "condition %d: %v", i, err)
			}
			c.Conditions = append(c.Conditions, Condition{
				Left:  PropertyFile{StepID: cd.Left.Step, Output: cd.Left.Output, Path: cd.Left.Path},
				Op:    op,
				Right: right,
			})
		}
		var err error
		if c.If, err = toNodes(d.If); err != nil {
			return nil, err
		}
		if c.Else, err = toNodes(d.Else); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, invalid(d.ID, "unknown node type %q", d.Type)
}

func parseOperand(v any) (Operand, error) {
	if s, ok := v.(string); ok {
		if name, ok := paramOnly(s); ok {
			return Param(name), nil
		}
		if phs, _ := scanPlaceholders(s); len(phs) > 0 {
			return Operand{}, fmt.Errorf("right side %q may only be a literal or a single {{params.NAME}}", s)
		}
	}
	sc, err := ScalarOf(v)
	if err != nil {
		return Operand{}, fmt.Errorf("right side: %w", err)
	}
	return Literal(sc), nil
}

// Definition converts the graph back into its declarative form. Inline
// step references appear as the inputs they were expanded into.
func (g *Graph) Definition() *Definition {
	d := &Definition{Name: g.name}
	for _, p := range g.params {
		d.Parameters = append(d.Parameters, ParameterDef{Name: p.Name, Type: string(p.Type), Default: p.Default})
	}
	d.Nodes = g.nodeDefs(g.top)
	return d
}

func (g *Graph) nodeDefs(ids []string) []NodeDef {
	defs := make([]NodeDef, 0, len(ids))
	for _, id := range ids {
		switch n := g.nodes[id].(type) {
		case *Step:
			def := NodeDef{
				ID: n.ID, Run: n.Run, Args: n.Args, Dir: n.Dir, Env: n.Env,
				Outputs: n.Outputs, DependsOn: n.DependsOn, Timeout: n.Timeout,
			}
			for _, in := range n.Inputs {
				def.Inputs = append(def.Inputs, InputDef{Name: in.Name, From: in.Ref.String()})
			}
			if n.Cache.Enabled || n.Cache.TTL > 0 {
				def.Cache = &CacheDef{Enabled: n.Cache.Enabled, TTL: n.Cache.TTL}
			}
			if n.Retry != nil {
				def.Retry = &RetryDef{MaxAttempts: n.Retry.MaxAttempts, Backoff: n.Retry.Backoff, MaxBackoff: n.Retry.MaxBackoff}
			}
			defs = append(defs, def)
		case *ConditionStep:
			def := NodeDef{ID: n.ID, Type: string(KindCondition), DependsOn: n.DependsOn, BestEffort: n.BestEffort}
			for _, c := range n.Conditions {
				cd := ConditionDef{
					Left: PropertyFileDef{Step: c.Left.StepID, Output: c.Left.Output, Path: c.Left.Path},
					Op:   string(c.Op),
				}
				if c.Right.Param != "" {
					cd.Right = c.Right.String()
				} else {
					cd.Right = c.Right.Value.value()
				}
				def.Conditions = append(def.Conditions, cd)
			}
			def.If = g.nodeDefs(g.children[id][BranchIf])
			def.Else = g.nodeDefs(g.children[id][BranchElse])
			defs = append(defs, def)
		}
	}
	return defs
}
