package dependencies

import "github.com/platinummonkey/plughost/pkg/plugins"

// CytoscapeNode represents a node in Cytoscape.js format
type CytoscapeNode struct {
	Data CytoscapeNodeData `json:"data"`
}

// CytoscapeNodeData contains node data for Cytoscape.js
type CytoscapeNodeData struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Type    string `json:"type"` // "current", "dependency", "dependent", "missing"
}

// CytoscapeEdge represents an edge in Cytoscape.js format
type CytoscapeEdge struct {
	Data CytoscapeEdgeData `json:"data"`
}

// CytoscapeEdgeData contains edge data for Cytoscape.js
type CytoscapeEdgeData struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Type     string `json:"type,omitempty"` // "direct", "transitive", "depends-on"
	Optional bool   `json:"optional,omitempty"`
	Range    string `json:"range,omitempty"`
}

// CytoscapeGraph represents the complete graph in Cytoscape.js format
type CytoscapeGraph struct {
	Nodes []CytoscapeNode `json:"nodes"`
	Edges []CytoscapeEdge `json:"edges"`
}

// Direction selects which side of a focused plugin to render.
type Direction string

const (
	DirectionDependencies Direction = "dependencies"
	DirectionDependents   Direction = "dependents"
	DirectionBoth         Direction = "both"
)

// Cytoscape renders the whole graph.
func (g *Graph) Cytoscape() CytoscapeGraph {
	out := CytoscapeGraph{
		Nodes: make([]CytoscapeNode, 0, len(g.nodes)),
		Edges: make([]CytoscapeEdge, 0),
	}
	seen := make(map[string]bool)
	for _, id := range g.IDs() {
		out.addNode(g, id, "dependency", seen)
	}
	for _, id := range g.IDs() {
		for _, dep := range g.nodes[id].Dependencies {
			out.addNode(g, dep.ID, "missing", seen)
			out.addEdge(id, dep, "direct")
		}
	}
	return out
}

// CytoscapeFor renders the neighbourhood of id. maxDepth < 0 means
// unlimited; transitive=false limits dependencies to one hop.
func (g *Graph) CytoscapeFor(id string, direction Direction, transitive bool, maxDepth int) CytoscapeGraph {
	out := CytoscapeGraph{
		Nodes: make([]CytoscapeNode, 0),
		Edges: make([]CytoscapeEdge, 0),
	}
	seen := make(map[string]bool)
	out.addNode(g, id, "current", seen)

	if direction == DirectionDependencies || direction == DirectionBoth {
		if !transitive {
			maxDepth = 1
		}
		out.addDependencies(g, id, seen, maxDepth, 0)
	}
	if direction == DirectionDependents || direction == DirectionBoth {
		for _, dependent := range g.Dependents(id, false) {
			out.addNode(g, dependent, "dependent", seen)
			out.Edges = append(out.Edges, CytoscapeEdge{Data: CytoscapeEdgeData{
				ID:     dependent + "->" + id,
				Source: dependent,
				Target: id,
				Type:   "depends-on",
			}})
		}
	}
	return out
}

func (c *CytoscapeGraph) addDependencies(g *Graph, id string, seen map[string]bool, maxDepth, depth int) {
	if maxDepth >= 0 && depth >= maxDepth {
		return
	}
	edgeType := "direct"
	if depth > 0 {
		edgeType = "transitive"
	}
	for _, dep := range g.Dependencies(id) {
		kind := "dependency"
		if g.nodes[dep.ID] == nil {
			kind = "missing"
		}
		if !seen[dep.ID] {
			c.addNode(g, dep.ID, kind, seen)
			c.addDependencies(g, dep.ID, seen, maxDepth, depth+1)
		}
		c.addEdge(id, dep, edgeType)
	}
}

func (c *CytoscapeGraph) addNode(g *Graph, id, kind string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	data := CytoscapeNodeData{ID: id, Name: id, Type: kind}
	if n := g.nodes[id]; n != nil {
		data.Version = n.Version
	}
	c.Nodes = append(c.Nodes, CytoscapeNode{Data: data})
}

func (c *CytoscapeGraph) addEdge(from string, dep plugins.Dependency, edgeType string) {
	c.Edges = append(c.Edges, CytoscapeEdge{Data: CytoscapeEdgeData{
		ID:       from + "->" + dep.ID,
		Source:   from,
		Target:   dep.ID,
		Type:     edgeType,
		Optional: dep.Optional,
		Range:    dep.Version,
	}})
}
