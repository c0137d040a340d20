package dependencies

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/plughost/pkg/httputil"
)

// GraphSource returns the current dependency graph of installed plugins.
type GraphSource func() *Graph

// Handlers serves read-only views of the dependency graph.
type Handlers struct {
	graph GraphSource
}

// NewHandlers creates dependency handlers over source.
func NewHandlers(source GraphSource) *Handlers {
	return &Handlers{graph: source}
}

// RegisterRoutes registers dependency routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/dependencies/graph", h.getGraph).Methods("GET")
	router.HandleFunc("/plugins/{id}/dependencies", h.getDependencies).Methods("GET")
	router.HandleFunc("/plugins/{id}/dependents", h.getImpact).Methods("GET")
	router.HandleFunc("/plugins/{id}/graph", h.getPluginGraph).Methods("GET")
}

// getGraph handles GET /dependencies/graph
func (h *Handlers) getGraph(w http.ResponseWriter, r *http.Request) {
	g := h.graph()
	resp := map[string]interface{}{
		"graph": g.Cytoscape(),
	}
	if order, err := g.TopologicalOrder(); err == nil {
		resp["order"] = order
	} else {
		resp["error"] = err.Error()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// getDependencies handles GET /plugins/{id}/dependencies
func (h *Handlers) getDependencies(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g := h.graph()
	if g.Node(id) == nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "plugin not found")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":           id,
		"dependencies": g.Dependencies(id),
		"transitive":   g.Transitive(id),
	})
}

// getImpact handles GET /plugins/{id}/dependents
func (h *Handlers) getImpact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g := h.graph()
	if g.Node(id) == nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "plugin not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, g.ImpactOf(id))
}

// getPluginGraph handles GET /plugins/{id}/graph
// Query parameters:
//   - transitive: include transitive dependencies (default: true)
//   - depth: max depth for transitive dependencies (default: unlimited)
//   - direction: "dependencies", "dependents", or "both" (default: "dependencies")
func (h *Handlers) getPluginGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g := h.graph()
	if g.Node(id) == nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "plugin not found")
		return
	}

	q := r.URL.Query()
	transitive := true
	if t := q.Get("transitive"); t != "" {
		transitive = t == "true" || t == "1"
	}

	maxDepth := -1
	if d := q.Get("depth"); d != "" {
		if depth, err := strconv.Atoi(d); err == nil && depth > 0 {
			maxDepth = depth
		}
	}

	direction := Direction(q.Get("direction"))
	switch direction {
	case DirectionDependencies, DirectionDependents, DirectionBoth:
	case "":
		direction = DirectionDependencies
	default:
		httputil.WriteBadRequest(w, "direction must be dependencies, dependents or both")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, g.CytoscapeFor(id, direction, transitive, maxDepth))
}
