package dag

import (
	"fmt"
	"io"
	"strings"
)

// TreeNode is a display form of a node and, for conditions, its branches.
type TreeNode struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Run        string     `json:"run,omitempty"`
	Inputs     []string   `json:"inputs,omitempty"`
	Outputs    []string   `json:"outputs,omitempty"`
	DependsOn  []string   `json:"depends_on,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
	BestEffort bool       `json:"best_effort,omitempty"`
	If         []TreeNode `json:"if,omitempty"`
	Else       []TreeNode `json:"else,omitempty"`
}

// Tree returns the top-level nodes with their branches nested.
func (g *Graph) Tree() []TreeNode {
	return g.tree(g.top)
}

func (g *Graph) tree(ids []string) []TreeNode {
	out := make([]TreeNode, 0, len(ids))
	for _, id := range ids {
		t := TreeNode{ID: id, Kind: g.nodes[id].NodeKind()}
		switch n := g.nodes[id].(type) {
		case *Step:
			t.Run = n.Run
			t.Outputs = n.Outputs
			t.DependsOn = n.DependsOn
			for _, in := range n.Inputs {
				t.Inputs = append(t.Inputs, in.Name+"="+in.Ref.String())
			}
		case *ConditionStep:
			t.DependsOn = n.DependsOn
			t.BestEffort = n.BestEffort
			for _, c := range n.Conditions {
				t.Conditions = append(t.Conditions, c.String())
			}
			t.If = g.tree(g.children[id][BranchIf])
			t.Else = g.tree(g.children[id][BranchElse])
		}
		out = append(out, t)
	}
	return out
}

// WriteTree prints the node tree of g, one node per line.
func WriteTree(w io.Writer, g *Graph) error {
	if _, err := fmt.Fprintf(w, "%s (%d nodes)\n", g.Name(), g.Len()); err != nil {
		return err
	}
	return writeTree(w, g.Tree(), "  ")
}

func writeTree(w io.Writer, nodes []TreeNode, indent string) error {
	for _, n := range nodes {
		var line string
		switch n.Kind {
		case KindCondition:
			line = fmt.Sprintf("%s? %s [%s]", indent, n.ID, strings.Join(n.Conditions, " && "))
			if n.BestEffort {
				line += " best-effort"
			}
		default:
			line = fmt.Sprintf("%s- %s: %s", indent, n.ID, n.Run)
			if len(n.Outputs) > 0 {
				line += " -> " + strings.Join(n.Outputs, ", ")
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, b := range []struct {
			name  Branch
			nodes []TreeNode
		}{{BranchIf, n.If}, {BranchElse, n.Else}} {
			if n.Kind != KindCondition {
				break
			}
			if _, err := fmt.Fprintf(w, "%s  %s:\n", indent, b.name); err != nil {
				return err
			}
			if err := writeTree(w, b.nodes, indent+"    "); err != nil {
				return err
			}
		}
	}
	return nil
}
