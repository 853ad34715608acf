package dag

import (
	"slices"
	"strings"
)

// Graph is a validated, immutable pipeline. Nodes returned by its accessors
// are owned by the graph and must not be modified.
type Graph struct {
	name   string
	params []Parameter

	nodes    map[string]Node
	order    []string
	index    map[string]int
	top      []string
	children map[string]map[Branch][]string
	place    map[string]Placement
	deps     map[string][]string
	levels   [][]string
}

// Placement locates a node inside the branch structure.
type Placement struct {
	// Owner is the enclosing ConditionStep, empty at top level.
	Owner  string `json:"owner,omitempty"`
	Branch Branch `json:"branch,omitempty"`
	Depth  int    `json:"depth"`
}

// Edge is an ordering constraint: To starts after From.
type Edge struct {
	From string
	To   string
}

// Name returns the pipeline name.
func (g *Graph) Name() string { return g.name }

// Parameters returns the declared parameters with normalized defaults.
func (g *Graph) Parameters() []Parameter { return slices.Clone(g.params) }

// Parameter returns the declaration of name.
func (g *Graph) Parameter(name string) (Parameter, bool) {
	for _, p := range g.params {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes, including every branch.
func (g *Graph) Len() int { return len(g.order) }

// Order returns every node id in declaration order, branches inline.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// TopLevel returns the ids of the top-level nodes.
func (g *Graph) TopLevel() []string { return slices.Clone(g.top) }

// Children returns the ids declared in branch b of condition id.
func (g *Graph) Children(id string, b Branch) []string {
	return slices.Clone(g.children[id][b])
}

// Owner returns the placement of id.
func (g *Graph) Owner(id string) (Placement, bool) {
	p, ok := g.place[id]
	return p, ok
}

// Dependencies returns the nodes id waits for: producers of its inputs,
// reports read by its conditions and explicit depends_on entries.
func (g *Graph) Dependencies(id string) []string { return slices.Clone(g.deps[id]) }

// Levels groups nodes so that every node comes after the nodes it waits
// for. Branch nodes are placed after their ConditionStep.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = slices.Clone(l)
	}
	return out
}

// Walk visits every node in declaration order, descending into branches.
func (g *Graph) Walk(fn func(n Node, p Placement)) {
	for _, id := range g.order {
		fn(g.nodes[id], g.place[id])
	}
}

// Within reports whether id sits, at any depth, inside a branch of ancestor.
func (g *Graph) Within(id, ancestor string) bool {
	for p := g.place[id]; p.Owner != ""; p = g.place[p.Owner] {
		if p.Owner == ancestor {
			return true
		}
	}
	return false
}

// visible reports whether target runs on every path that reaches referrer:
// every branch enclosing target must also enclose referrer.
func (g *Graph) visible(target, referrer string) bool {
	enclosing := make(map[Placement]bool)
	for p := g.place[referrer]; p.Owner != ""; p = g.place[p.Owner] {
		enclosing[Placement{Owner: p.Owner, Branch: p.Branch}] = true
	}
	for p := g.place[target]; p.Owner != ""; p = g.place[p.Owner] {
		if !enclosing[Placement{Owner: p.Owner, Branch: p.Branch}] {
			return false
		}
	}
	return true
}

const doneSuffix = "#done"

// completion returns the vertex that marks id as finished. A ConditionStep
// finishes only after its branch does.
func (g *Graph) completion(id string) string {
	if g.nodes[id].NodeKind() == KindCondition {
		return id + doneSuffix
	}
	return id
}

// expandedEdges builds the worst-case graph in which both branches of every
// ConditionStep are present. Each ConditionStep contributes an evaluation
// vertex (its id) and a completion vertex.
func (g *Graph) expandedEdges() ([]string, []Edge) {
	var vertices []string
	var edges []Edge
	for _, id := range g.order {
		vertices = append(vertices, id)
		for _, dep := range g.deps[id] {
			edges = append(edges, Edge{From: g.completion(dep), To: id})
		}
		if g.nodes[id].NodeKind() != KindCondition {
			continue
		}
		done := id + doneSuffix
		vertices = append(vertices, done)
		edges = append(edges, Edge{From: id, To: done})
		for _, b := range []Branch{BranchIf, BranchElse} {
			for _, child := range g.children[id][b] {
				edges = append(edges, Edge{From: id, To: child})
				edges = append(edges, Edge{From: g.completion(child), To: done})
			}
		}
	}
	return vertices, edges
}

// buildLevels uses Kahn's algorithm to group vertices by dependency level.
// Vertices within a level keep their input order. The second result holds
// the vertices left over by a cycle.
func buildLevels(vertices []string, edges []Edge) ([][]string, []string) {
	inDegree := make(map[string]int, len(vertices))
	dependents := make(map[string][]string)
	for _, v := range vertices {
		inDegree[v] = 0
	}
	for _, e := range edges {
		inDegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	position := make(map[string]int, len(vertices))
	var queue []string
	for i, v := range vertices {
		position[v] = i
		if inDegree[v] == 0 {
			queue = append(queue, v)
		}
	}

	var levels [][]string
	visited := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		visited += len(queue)

		var next []string
		for _, v := range queue {
			for _, dep := range dependents[v] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int { return position[a] - position[b] })
		queue = next
	}

	if visited == len(vertices) {
		return levels, nil
	}
	var remaining []string
	for _, v := range vertices {
		if inDegree[v] > 0 {
			remaining = append(remaining, v)
		}
	}
	return levels, remaining
}

// nodeLevels drops completion vertices and empty levels.
func nodeLevels(levels [][]string) [][]string {
	var out [][]string
	for _, l := range levels {
		var ids []string
		for _, v := range l {
			if !strings.HasSuffix(v, doneSuffix) {
				ids = append(ids, v)
			}
		}
		if len(ids) > 0 {
			out = append(out, ids)
		}
	}
	return out
}
