// Package dag provides dependency graph operations over assets.
// It supports cycle detection, topological ordering and execution levels.
//
// Graphs are integer arenas: node i has id ids[i] and its adjacency lists
// hold node indices. Nodes are indexed in qualified-name order, so every
// traversal is deterministic.
package dag

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// Node is a graph vertex. Name is the qualified name used for ordering;
// it defaults to ID.
type Node struct {
	ID   string
	Name string
}

// Edge is a directed dependency: Target depends on Source.
type Edge struct {
	Source string
	Target string
}

// Graph is an immutable dependency graph.
type Graph struct {
	ids   []string
	names []string
	index map[string]int
	out   [][]int // source -> targets (dependents)
	in    [][]int // target -> sources (dependencies)
	edges int
}

// Build creates a graph. Duplicate nodes and edges are collapsed and
// self-loops are ignored; an edge naming an unknown node is an error.
func Build(nodes []Node, edges []Edge) (*Graph, error) {
	uniq := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			n.Name = n.ID
		}
		uniq[n.ID] = n
	}
	sorted := make([]Node, 0, len(uniq))
	for _, n := range uniq {
		sorted = append(sorted, n)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	g := &Graph{
		ids:   make([]string, len(sorted)),
		names: make([]string, len(sorted)),
		index: make(map[string]int, len(sorted)),
		out:   make([][]int, len(sorted)),
		in:    make([][]int, len(sorted)),
	}
	for i, n := range sorted {
		g.ids[i] = n.ID
		g.names[i] = n.Name
		g.index[n.ID] = i
	}

	seen := make(map[[2]int]struct{}, len(edges))
	for _, e := range edges {
		s, ok := g.index[e.Source]
		if !ok {
			return nil, fmt.Errorf("source node %q does not exist", e.Source)
		}
		t, ok := g.index[e.Target]
		if !ok {
			return nil, fmt.Errorf("target node %q does not exist", e.Target)
		}
		if s == t {
			continue
		}
		if _, dup := seen[[2]int{s, t}]; dup {
			continue
		}
		seen[[2]int{s, t}] = struct{}{}
		g.out[s] = append(g.out[s], t)
		g.in[t] = append(g.in[t], s)
		g.edges++
	}
	for i := range g.ids {
		sort.Ints(g.out[i])
		sort.Ints(g.in[i])
	}
	return g, nil
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.ids) }

// EdgeCount returns the number of distinct edges, self-loops excluded.
func (g *Graph) EdgeCount() int { return g.edges }

// Has reports whether the node exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Name returns the qualified name of a node.
func (g *Graph) Name(id string) string {
	if i, ok := g.index[id]; ok {
		return g.names[i]
	}
	return ""
}

// Nodes returns all node ids in name order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.ids...)
}

// Parents returns the direct dependencies of a node in name order.
func (g *Graph) Parents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.idsOf(g.in[i])
}

// Children returns the direct dependents of a node in name order.
func (g *Graph) Children(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.idsOf(g.out[i])
}

// Roots returns nodes with no dependencies.
func (g *Graph) Roots() []string {
	var roots []string
	for i, id := range g.ids {
		if len(g.in[i]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Leaves returns nodes with no dependents.
func (g *Graph) Leaves() []string {
	var leaves []string
	for i, id := range g.ids {
		if len(g.out[i]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

func (g *Graph) idsOf(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.ids[i]
	}
	return out
}

const (
	unvisited uint8 = iota
	inProgress
	done
)

// walk is the result of one ordering pass.
type walk struct {
	order  []int
	cycles [][]int
	// back holds the edges excluded from ordering, as (source, target).
	back map[[2]int]struct{}
}

// traverse runs an iterative DFS from every node in name order, following
// dependencies first so a node is emitted after all of its parents. An edge
// into a node on the active path closes a cycle; it is recorded and left
// out of the ordering.
func (g *Graph) traverse() walk {
	n := len(g.ids)
	w := walk{order: make([]int, 0, n), back: make(map[[2]int]struct{})}
	state := make([]uint8, n)
	depth := make([]int, n) // position on the active path while in progress

	type frame struct{ node, next int }
	var stack []frame

	seen := make(map[string]struct{})
	for root := 0; root < n; root++ {
		if state[root] != unvisited {
			continue
		}
		state[root] = inProgress
		depth[root] = 0
		stack = append(stack[:0], frame{node: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(g.in[top.node]) {
				parent := g.in[top.node][top.next]
				top.next++
				switch state[parent] {
				case unvisited:
					state[parent] = inProgress
					depth[parent] = len(stack)
					stack = append(stack, frame{node: parent})
				case inProgress:
					w.back[[2]int{parent, top.node}] = struct{}{}
					// The active path runs from parent down to top.node
					// through dependencies; data flows the other way.
					active := stack[depth[parent]:]
					cycle := make([]int, 0, len(active)+1)
					cycle = append(cycle, parent)
					for k := len(active) - 1; k >= 1; k-- {
						cycle = append(cycle, active[k].node)
					}
					cycle = g.rotate(cycle)
					key := fmt.Sprint(cycle)
					if _, dup := seen[key]; !dup {
						seen[key] = struct{}{}
						w.cycles = append(w.cycles, cycle)
					}
				}
				continue
			}
			state[top.node] = done
			w.order = append(w.order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return w
}

// rotate starts the cycle at its smallest node and closes it.
func (g *Graph) rotate(cycle []int) []int {
	m := 0
	for k, v := range cycle {
		if v < cycle[m] {
			m = k
		}
	}
	out := make([]int, 0, len(cycle)+1)
	out = append(out, cycle[m:]...)
	out = append(out, cycle[:m]...)
	return append(out, cycle[m])
}

// TopologicalOrder returns every node with dependencies before dependents,
// plus the cycles found. Each cycle's closing edge is excluded from the
// ordering, so the order is valid for the acyclic remainder.
func (g *Graph) TopologicalOrder() ([]string, []core.CircularDependency) {
	w := g.traverse()
	return g.idsOf(w.order), g.circular(w.cycles)
}

// HasCycle reports whether the graph contains a cycle, along with the first cycle path.
func (g *Graph) HasCycle() (bool, []string) {
	w := g.traverse()
	if len(w.cycles) == 0 {
		return false, nil
	}
	return true, g.idsOf(w.cycles[0])
}

// ExecutionLevels groups nodes by level. Nodes at level N depend only on
// nodes at lower levels; level 0 has no dependencies. Cycle-closing edges
// are ignored.
func (g *Graph) ExecutionLevels() [][]string {
	w := g.traverse()
	level := make([]int, len(g.ids))
	maxLevel := -1
	for _, v := range w.order {
		for _, p := range g.in[v] {
			if _, back := w.back[[2]int{p, v}]; back {
				continue
			}
			if level[p]+1 > level[v] {
				level[v] = level[p] + 1
			}
		}
		if level[v] > maxLevel {
			maxLevel = level[v]
		}
	}

	levels := make([][]int, maxLevel+1)
	for v := range g.ids {
		levels[level[v]] = append(levels[level[v]], v)
	}
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = g.idsOf(l)
	}
	return out
}

func (g *Graph) circular(cycles [][]int) []core.CircularDependency {
	out := make([]core.CircularDependency, len(cycles))
	for i, c := range cycles {
		out[i] = core.CircularDependency{Path: g.idsOf(c)}
	}
	return out
}

// CycleEdges returns the (source, target) pairs that lie on any cycle path.
func CycleEdges(cycles []core.CircularDependency) map[[2]string]bool {
	out := make(map[[2]string]bool)
	for _, c := range cycles {
		for i := 0; i+1 < len(c.Path); i++ {
			out[[2]string{c.Path[i], c.Path[i+1]}] = true
		}
	}
	return out
}

// ComplexityScore rates a repository in [0, 1] from its file, edge and cycle counts.
func ComplexityScore(fileCount, edgeCount, cycleCount int) float64 {
	score := min(0.3, float64(fileCount)/1000) +
		min(0.4, float64(edgeCount)/500) +
		min(0.3, float64(cycleCount)/10)
	return min(1, score)
}
