package dag

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	apperrors "github.com/kbukum/condflow/errors"
	"github.com/kbukum/condflow/validation"
)

// Build validates a pipeline declaration and returns an immutable Graph.
// Nodes nested in branches are discovered through their ConditionStep and
// must not be repeated at top level. The arguments are copied; later
// changes to them do not affect the graph.
//
// Checks run in this order: structure (INVALID_DEFINITION), unique ids
// (DUPLICATE_NODE_ID), references (DANGLING_REFERENCE), acyclicity
// (CYCLE_DETECTED) and parameter usage (UNDECLARED_PARAMETER).
func Build(name string, params []Parameter, nodes ...Node) (*Graph, error) {
	g := &Graph{
		name:     name,
		nodes:    make(map[string]Node),
		index:    make(map[string]int),
		children: make(map[string]map[Branch][]string),
		place:    make(map[string]Placement),
		deps:     make(map[string][]string),
	}
	roots := cloneNodes(nodes)

	var err error
	if g.params, err = checkParameters(params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.InvalidDefinition("pipeline name is required")
	}
	if len(roots) == 0 {
		return nil, apperrors.InvalidDefinition("pipeline has no nodes")
	}
	if err := checkStructure(roots); err != nil {
		return nil, err
	}
	if err := g.register(roots, Placement{}); err != nil {
		return nil, err
	}
	if err := g.resolveReferences(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkParameterUsage(); err != nil {
		return nil, err
	}
	return g, nil
}

func invalid(id, format string, args ...any) error {
	err := apperrors.InvalidDefinition(fmt.Sprintf("node %q: ", id) + fmt.Sprintf(format, args...))
	if id != "" {
		err = err.WithNode(id)
	}
	return err
}

func checkParameters(params []Parameter) ([]Parameter, error) {
	out := make([]Parameter, 0, len(params))
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if !validation.NodeIDPattern.MatchString(p.Name) {
			return nil, apperrors.InvalidDefinition(fmt.Sprintf("parameter name %q is invalid", p.Name))
		}
		if seen[p.Name] {
			return nil, apperrors.InvalidDefinition(fmt.Sprintf("parameter %q is declared more than once", p.Name))
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return nil, apperrors.InvalidDefinition(fmt.Sprintf("parameter %q has unknown type %q", p.Name, p.Type))
		}
		v, err := Coerce(p.Type, p.Default)
		if err != nil {
			return nil, apperrors.InvalidDefinition(fmt.Sprintf("parameter %q default: %v", p.Name, err))
		}
		p.Default = v
		out = append(out, p)
	}
	return out, nil
}

// checkStructure validates each node on its own and turns inline
// {{steps.ID.outputs.NAME}} references into implicit inputs.
func checkStructure(nodes []Node) error {
	for _, n := range nodes {
		if n == nil {
			return apperrors.InvalidDefinition("nil node")
		}
		if !validation.NodeIDPattern.MatchString(n.NodeID()) {
			return invalid(n.NodeID(), "id must match %s", validation.NodeIDPattern)
		}
		for _, dep := range dependsOn(n) {
			if dep == "" {
				return invalid(n.NodeID(), "empty depends_on entry")
			}
		}
		switch v := n.(type) {
		case *Step:
			if err := checkStep(v); err != nil {
				return err
			}
		case *ConditionStep:
			if err := checkCondition(v); err != nil {
				return err
			}
			if err := checkStructure(v.If); err != nil {
				return err
			}
			if err := checkStructure(v.Else); err != nil {
				return err
			}
		default:
			return invalid(n.NodeID(), "unsupported node type %T", n)
		}
	}
	return nil
}

func checkStep(s *Step) error {
	if strings.TrimSpace(s.Run) == "" {
		return invalid(s.ID, "run is required")
	}
	outputs := make(map[string]bool, len(s.Outputs))
	for _, o := range s.Outputs {
		if !validation.NodeIDPattern.MatchString(o) {
			return invalid(s.ID, "output name %q is invalid", o)
		}
		if outputs[o] {
			return invalid(s.ID, "output %q is declared more than once", o)
		}
		outputs[o] = true
	}
	if s.Retry != nil && s.Retry.MaxAttempts < 1 {
		return invalid(s.ID, "retry.max_attempts must be at least 1")
	}
	if s.Timeout < 0 || s.Cache.TTL < 0 {
		return invalid(s.ID, "durations must not be negative")
	}

	// Inline step references become inputs named "ID.NAME".
	rewrite := func(v string) (string, error) {
		phs, err := scanPlaceholders(v)
		if err != nil {
			return "", invalid(s.ID, "%v", err)
		}
		for _, p := range phs {
			if p.ns == nsSteps && !slices.ContainsFunc(s.Inputs, func(in Input) bool { return in.Name == p.name }) {
				s.Inputs = append(s.Inputs, Input{Name: p.name, Ref: p.ref})
			}
		}
		return rewriteStepRefs(v), nil
	}
	var err error
	for i, a := range s.Args {
		if s.Args[i], err = rewrite(a); err != nil {
			return err
		}
	}
	if s.Dir, err = rewrite(s.Dir); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		if s.Env[k], err = rewrite(s.Env[k]); err != nil {
			return err
		}
	}

	inputs := make(map[string]OutputRef, len(s.Inputs))
	for _, in := range s.Inputs {
		if !validInputName(in.Name) {
			return invalid(s.ID, "input name %q is invalid", in.Name)
		}
		if in.Ref.StepID == "" || in.Ref.Output == "" {
			return invalid(s.ID, "input %q has an incomplete reference", in.Name)
		}
		if _, ok := inputs[in.Name]; ok {
			return invalid(s.ID, "input %q is declared more than once", in.Name)
		}
		inputs[in.Name] = in.Ref
	}
	return nil
}

// validInputName accepts an identifier or the "ID.NAME" form of inline
// step references. Input names become file names under the inputs directory.
func validInputName(name string) bool {
	if id, out, ok := strings.Cut(name, "."); ok {
		return validation.NodeIDPattern.MatchString(id) && validation.NodeIDPattern.MatchString(out)
	}
	return validation.NodeIDPattern.MatchString(name)
}

func checkCondition(c *ConditionStep) error {
	if len(c.Conditions) == 0 {
		return invalid(c.ID, "at least one condition is required")
	}
	for i, cond := range c.Conditions {
		if !cond.Op.Valid() {
			return invalid(c.ID, "condition %d: unknown operator %q", i, cond.Op)
		}
		if cond.Left.StepID == "" || cond.Left.Output == "" || cond.Left.Path == "" {
			return invalid(c.ID, "condition %d: left side needs step, output and path", i)
		}
		if cond.Right.Param == "" && cond.Right.Value.Type == "" {
			return invalid(c.ID, "condition %d: right side is empty", i)
		}
	}
	return nil
}

func dependsOn(n Node) []string {
	switch v := n.(type) {
	case *Step:
		return v.DependsOn
	case *ConditionStep:
		return v.DependsOn
	}
	return nil
}

// register assigns placements in declaration order and rejects duplicate ids
// anywhere in the tree.
func (g *Graph) register(nodes []Node, at Placement) error {
	for _, n := range nodes {
		id := n.NodeID()
		if _, dup := g.nodes[id]; dup {
			return apperrors.DuplicateNodeID(id)
		}
		g.nodes[id] = n
		g.index[id] = len(g.order)
		g.order = append(g.order, id)
		g.place[id] = at
		if at.Owner == "" {
			g.top = append(g.top, id)
		} else {
			g.children[at.Owner][at.Branch] = append(g.children[at.Owner][at.Branch], id)
		}

		if c, ok := n.(*ConditionStep); ok {
			g.children[id] = map[Branch][]string{}
			for _, b := range []Branch{BranchIf, BranchElse} {
				if err := g.register(c.Branch(b), Placement{Owner: id, Branch: b, Depth: at.Depth + 1}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (g *Graph) resolveReferences() error {
	for _, id := range g.order {
		var deps []string
		addDep := func(target string) {
			if !slices.Contains(deps, target) {
				deps = append(deps, target)
			}
		}

		var refs []OutputRef
		switch n := g.nodes[id].(type) {
		case *Step:
			for _, in := range n.Inputs {
				refs = append(refs, in.Ref)
			}
			if err := g.checkPathPlaceholders(n); err != nil {
				return err
			}
		case *ConditionStep:
			for _, c := range n.Conditions {
				refs = append(refs, c.Left.Ref())
			}
		}

		for _, ref := range refs {
			if err := g.checkOutputRef(id, ref); err != nil {
				return err
			}
			addDep(ref.StepID)
		}
		for _, target := range dependsOn(g.nodes[id]) {
			if _, ok := g.nodes[target]; !ok {
				return apperrors.DanglingReference(id, target, "no such node")
			}
			if !g.visible(target, id) {
				return apperrors.DanglingReference(id, target, "node is not executed on every path reaching the referrer")
			}
			addDep(target)
		}
		g.deps[id] = deps
	}
	return nil
}

func (g *Graph) checkOutputRef(id string, ref OutputRef) error {
	target, ok := g.nodes[ref.StepID]
	if !ok {
		return apperrors.DanglingReference(id, ref.String(), "no such node")
	}
	step, ok := target.(*Step)
	if !ok {
		return apperrors.DanglingReference(id, ref.String(), "only steps produce outputs")
	}
	if !step.HasOutput(ref.Output) {
		return apperrors.DanglingReference(id, ref.String(), fmt.Sprintf("step %q does not declare output %q", ref.StepID, ref.Output))
	}
	if !g.visible(ref.StepID, id) {
		return apperrors.DanglingReference(id, ref.String(), "step is not executed on every path reaching the referrer")
	}
	return nil
}

// checkPathPlaceholders ensures {{inputs.X}} and {{outputs.X}} name declared
// inputs and outputs of s.
func (g *Graph) checkPathPlaceholders(s *Step) error {
	for _, v := range stepTemplates(s) {
		phs, _ := scanPlaceholders(v)
		for _, p := range phs {
			switch p.ns {
			case nsInputs:
				if !slices.ContainsFunc(s.Inputs, func(in Input) bool { return in.Name == p.name }) {
					return apperrors.DanglingReference(s.ID, "inputs."+p.name, "no such input")
				}
			case nsOutputs:
				if !s.HasOutput(p.name) {
					return apperrors.DanglingReference(s.ID, "outputs."+p.name, "no such output")
				}
			}
		}
	}
	return nil
}

func (g *Graph) checkAcyclic() error {
	levels, remaining := buildLevels(g.expandedEdges())
	if len(remaining) > 0 {
		var ids []string
		for _, v := range remaining {
			id := strings.TrimSuffix(v, doneSuffix)
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		return apperrors.CycleDetected(ids)
	}
	g.levels = nodeLevels(levels)
	return nil
}

func (g *Graph) checkParameterUsage() error {
	for _, id := range g.order {
		switch n := g.nodes[id].(type) {
		case *Step:
			for _, v := range stepTemplates(n) {
				phs, _ := scanPlaceholders(v)
				for _, p := range phs {
					if p.ns == nsParams {
						if _, ok := g.Parameter(p.name); !ok {
							return apperrors.UndeclaredParameter(p.name).WithNode(id)
						}
					}
				}
			}
		case *ConditionStep:
			for _, c := range n.Conditions {
				if c.Right.Param == "" {
					continue
				}
				if _, ok := g.Parameter(c.Right.Param); !ok {
					return apperrors.UndeclaredParameter(c.Right.Param).WithNode(id)
				}
			}
		}
	}
	return nil
}

// stepTemplates returns every string of s that may hold placeholders.
func stepTemplates(s *Step) []string {
	out := append([]string{s.Dir}, s.Args...)
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		out = append(out, s.Env[k])
	}
	return out
}
