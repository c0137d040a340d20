package dependencies

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func newTestRouter() *mux.Router {
	g := FromManifests(
		manifest("base", "1.0.0"),
		manifest("common", "1.2.0", req("base", ">= 1.0")),
		manifest("user", "0.3.0", req("common", ""), opt("extra", "")),
	)
	router := mux.NewRouter()
	NewHandlers(func() *Graph { return g }).RegisterRoutes(router)
	return router
}

func get(t *testing.T, router *mux.Router, url string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", url, nil))
	return w
}

func TestHandlers_Dependencies(t *testing.T) {
	w := get(t, newTestRouter(), "/plugins/user/dependencies")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	deps, ok := response["dependencies"].([]interface{})
	if !ok || len(deps) != 2 {
		t.Errorf("Expected 2 dependencies, got %v", response["dependencies"])
	}
	transitive, ok := response["transitive"].([]interface{})
	if !ok || len(transitive) != 3 {
		t.Errorf("Expected common, extra and base, got %v", response["transitive"])
	}
}

func TestHandlers_UnknownPlugin(t *testing.T) {
	router := newTestRouter()
	for _, url := range []string{"/plugins/nope/dependencies", "/plugins/nope/dependents", "/plugins/nope/graph"} {
		if w := get(t, router, url); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", url, w.Code)
		}
	}
}

func TestHandlers_Dependents(t *testing.T) {
	w := get(t, newTestRouter(), "/plugins/base/dependents")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var impact Impact
	if err := json.NewDecoder(w.Body).Decode(&impact); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if impact.TotalImpact != 2 {
		t.Errorf("Expected total impact 2, got %d", impact.TotalImpact)
	}
}

func TestHandlers_WholeGraph(t *testing.T) {
	w := get(t, newTestRouter(), "/dependencies/graph")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var response struct {
		Graph CytoscapeGraph `json:"graph"`
		Order []string       `json:"order"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// base, common, user plus the missing optional "extra".
	if len(response.Graph.Nodes) != 4 {
		t.Errorf("Expected 4 nodes, got %d", len(response.Graph.Nodes))
	}
	if len(response.Graph.Edges) != 3 {
		t.Errorf("Expected 3 edges, got %d", len(response.Graph.Edges))
	}
	if len(response.Order) != 3 || response.Order[0] != "base" {
		t.Errorf("Unexpected order %v", response.Order)
	}
}

func TestHandlers_PluginGraphDirection(t *testing.T) {
	router := newTestRouter()

	var g CytoscapeGraph
	w := get(t, router, "/plugins/common/graph?direction=both")
	if err := json.NewDecoder(w.Body).Decode(&g); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	types := map[string]string{}
	for _, n := range g.Nodes {
		types[n.Data.ID] = n.Data.Type
	}
	if types["common"] != "current" || types["base"] != "dependency" || types["user"] != "dependent" {
		t.Errorf("Unexpected node types %v", types)
	}

	if w := get(t, router, "/plugins/common/graph?direction=sideways"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad direction, got %d", w.Code)
	}
}

func TestCytoscapeFor_DepthLimit(t *testing.T) {
	g := FromManifests(
		manifest("a", "1.0.0", req("b", "")),
		manifest("b", "1.0.0", req("c", "")),
		manifest("c", "1.0.0"),
	)

	direct := g.CytoscapeFor("a", DirectionDependencies, false, -1)
	if len(direct.Nodes) != 2 {
		t.Errorf("Expected a and b only, got %d nodes", len(direct.Nodes))
	}

	full := g.CytoscapeFor("a", DirectionDependencies, true, -1)
	if len(full.Nodes) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(full.Nodes))
	}
	for _, e := range full.Edges {
		if e.Data.Source == "b" && e.Data.Type != "transitive" {
			t.Errorf("Expected b->c to be transitive, got %s", e.Data.Type)
		}
	}
}
