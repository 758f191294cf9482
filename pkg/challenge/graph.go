package challenge

import (
	"fmt"
	"slices"
	"strings"
)

// Graph is a directed graph over challenge ids where an edge from -> to means
// "from must exist before to".
type Graph struct {
	// adjacency maps ids to their dependents
	adjacency map[string][]string

	// reverse maps ids to their dependencies
	reverse map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		reverse:   make(map[string][]string),
		inDegree:  make(map[string]int),
	}
}

// AddNode adds id if it is not present.
func (g *Graph) AddNode(id string) {
	if _, ok := g.inDegree[id]; ok {
		return
	}
	g.adjacency[id] = nil
	g.reverse[id] = nil
	g.inDegree[id] = 0
}

// AddEdge records that from must come before to. Both nodes are added if
// missing and duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.adjacency[from], to) {
		return
	}
	g.adjacency[from] = append(g.adjacency[from], to)
	g.reverse[to] = append(g.reverse[to], from)
	g.inDegree[to]++
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.inDegree[id]
	return ok
}

// Nodes returns all node ids in ascending order.
func (g *Graph) Nodes() []string {
	ids := make([]string, 0, len(g.inDegree))
	for id := range g.inDegree {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Dependents returns the ids that depend on id, sorted.
func (g *Graph) Dependents(id string) []string {
	out := slices.Clone(g.adjacency[id])
	slices.Sort(out)
	return out
}

// Dependencies returns the ids id depends on, sorted.
func (g *Graph) Dependencies(id string) []string {
	out := slices.Clone(g.reverse[id])
	slices.Sort(out)
	return out
}

// FindCycles returns every distinct cycle reachable by a depth-first walk,
// each as a closed path such as [a b a]. Traversal visits each node once, so
// work is bounded by the size of the graph.
func (g *Graph) FindCycles() [][]string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	seen := make(map[string]bool)
	var cycles [][]string

	for _, id := range g.Nodes() {
		if !visited[id] {
			g.findCyclesUtil(id, visited, recStack, nil, seen, &cycles)
		}
	}
	return cycles
}

func (g *Graph) findCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
	seen map[string]bool,
	cycles *[][]string,
) {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range g.Dependents(nodeID) {
		if !visited[dependent] {
			g.findCyclesUtil(dependent, visited, recStack, path, seen, cycles)
			continue
		}
		if !recStack[dependent] {
			continue
		}

		// Back-edge: the cycle is the path suffix starting at dependent.
		start := slices.Index(path, dependent)
		if start < 0 {
			continue
		}
		cycle := append(slices.Clone(path[start:]), dependent)
		key := canonicalCycle(cycle)
		if !seen[key] {
			seen[key] = true
			*cycles = append(*cycles, cycle)
		}
	}

	recStack[nodeID] = false
}

// canonicalCycle rotates a closed path so it starts at its smallest id.
func canonicalCycle(cycle []string) string {
	open := cycle[:len(cycle)-1]
	minIdx := 0
	for i, id := range open {
		if id < open[minIdx] {
			minIdx = i
		}
	}
	rotated := append(slices.Clone(open[minIdx:]), open[:minIdx]...)
	return strings.Join(rotated, "\x00")
}

// Levels assigns nodes to tiers with Kahn's algorithm. Tier 0 holds nodes
// with no dependencies; ids are ascending within a tier. It fails if the
// graph has a cycle.
func (g *Graph) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for _, id := range g.Nodes() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		slices.Sort(next)
		current = next
	}

	if processed != len(g.inDegree) {
		return levels, fmt.Errorf("graph has a cycle: %d of %d nodes ordered", processed, len(g.inDegree))
	}
	return levels, nil
}

// Subgraph returns the graph induced by ids.
func (g *Graph) Subgraph(ids []string) *Graph {
	keep := toSet(ids)
	sub := NewGraph()
	for _, id := range ids {
		if g.Has(id) {
			sub.AddNode(id)
		}
	}
	for _, from := range sub.Nodes() {
		for _, to := range g.adjacency[from] {
			if keep[to] {
				sub.AddEdge(from, to)
			}
		}
	}
	return sub
}

// FormatCycle renders a cycle path as "a -> b -> a".
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
