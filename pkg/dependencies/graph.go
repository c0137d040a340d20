package dependencies

import (
	"sort"
	"strings"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Node is one plugin in the dependency graph.
type Node struct {
	ID           string               `json:"id"`
	Version      string               `json:"version"`
	Dependencies []plugins.Dependency `json:"dependencies,omitempty"`
}

// Graph is a directed graph from each plugin to the plugins it requires.
// Edges to ids with no node are kept; they represent dependencies that are
// neither installed nor being installed.
type Graph struct {
	nodes map[string]*Node
	edges map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string][]string),
	}
}

// FromManifests builds a graph over the given manifests. Later manifests
// with the same id replace earlier ones, so candidates can be layered over
// installed plugins.
func FromManifests(manifests ...*plugins.Manifest) *Graph {
	g := NewGraph()
	for _, m := range manifests {
		g.Add(m)
	}
	return g
}

// Add inserts or replaces the node for m.
func (g *Graph) Add(m *plugins.Manifest) {
	g.nodes[m.ID] = &Node{
		ID:           m.ID,
		Version:      m.Version,
		Dependencies: m.Dependencies,
	}
	edges := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		edges = append(edges, dep.ID)
	}
	g.edges[m.ID] = edges
}

// Remove deletes id's node and its outgoing edges.
func (g *Graph) Remove(id string) {
	delete(g.nodes, id)
	delete(g.edges, id)
}

// Node returns id's node, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Len is the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// IDs returns every node id in sorted order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies returns id's declared dependencies.
func (g *Graph) Dependencies(id string) []plugins.Dependency {
	if n := g.nodes[id]; n != nil {
		return n.Dependencies
	}
	return nil
}

// Transitive returns every id reachable from id, nearest first.
func (g *Graph) Transitive(id string) []string {
	visited := map[string]bool{id: true}
	var result []string
	queue := append([]string(nil), g.edges[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		result = append(result, next)
		queue = append(queue, g.edges[next]...)
	}
	return result
}

// Dependents returns the ids that declare a dependency on id. When
// requiredOnly is set, optional dependencies are ignored.
func (g *Graph) Dependents(id string, requiredOnly bool) []string {
	var dependents []string
	for _, from := range g.IDs() {
		for _, dep := range g.nodes[from].Dependencies {
			if dep.ID != id || (requiredOnly && dep.Optional) {
				continue
			}
			dependents = append(dependents, from)
			break
		}
	}
	return dependents
}

// DetectCycle searches the whole graph, starting from every node, and
// returns the first cycle found as a closed path (a -> b -> a).
func (g *Graph) DetectCycle() ([]string, error) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.edges[id] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.IDs() {
		if color[id] != white {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle, plugins.NewError(plugins.ErrDependencyCycle, cycle[0],
				"dependency cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	return nil, nil
}

// TopologicalOrder returns the node ids with every dependency before its
// dependents. Ties are broken by id so the order is stable. Edges to ids
// outside the graph are ignored.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if _, err := g.DetectCycle(); err != nil {
		return nil, err
	}

	visited := make(map[string]bool, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]string(nil), g.edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; ok {
				visit(dep)
			}
		}
		order = append(order, id)
	}

	for _, id := range g.IDs() {
		visit(id)
	}
	return order, nil
}

// Impact describes what depends on a plugin.
type Impact struct {
	ID                   string   `json:"id"`
	DirectDependents     []string `json:"direct_dependents"`
	TransitiveDependents []string `json:"transitive_dependents"`
	TotalImpact          int      `json:"total_impact"`
}

// ImpactOf reports the plugins that would be affected by removing id.
func (g *Graph) ImpactOf(id string) *Impact {
	direct := g.Dependents(id, false)

	visited := map[string]bool{id: true}
	var all []string
	queue := append([]string(nil), direct...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		all = append(all, next)
		queue = append(queue, g.Dependents(next, false)...)
	}

	return &Impact{
		ID:                   id,
		DirectDependents:     direct,
		TransitiveDependents: all,
		TotalImpact:          len(all),
	}
}
