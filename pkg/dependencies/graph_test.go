package dependencies

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

func manifest(id, version string, deps ...plugins.Dependency) *plugins.Manifest {
	return &plugins.Manifest{ID: id, Version: version, Name: id, Types: []plugins.PluginType{plugins.TypeAuth}, Dependencies: deps}
}

func req(id, rng string) plugins.Dependency {
	return plugins.Dependency{ID: id, Version: rng}
}

func opt(id, rng string) plugins.Dependency {
	return plugins.Dependency{ID: id, Version: rng, Optional: true}
}

func TestGraph_AddAndReplace(t *testing.T) {
	g := FromManifests(manifest("a", "1.0.0", req("b", "")))
	if g.Node("a") == nil || g.Node("a").Version != "1.0.0" {
		t.Fatalf("expected node a@1.0.0, got %+v", g.Node("a"))
	}

	g.Add(manifest("a", "2.0.0"))
	if g.Node("a").Version != "2.0.0" {
		t.Errorf("expected replacement version 2.0.0, got %s", g.Node("a").Version)
	}
	if len(g.Dependencies("a")) != 0 {
		t.Errorf("expected replacement to drop old edges, got %v", g.Dependencies("a"))
	}

	g.Remove("a")
	if g.Len() != 0 {
		t.Errorf("expected empty graph, got %d nodes", g.Len())
	}
}

func TestGraph_Transitive(t *testing.T) {
	g := FromManifests(
		manifest("base", "1.0.0"),
		manifest("common", "1.0.0", req("base", "")),
		manifest("user", "1.0.0", req("common", "")),
	)

	got := g.Transitive("user")
	want := []string{"common", "base"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Transitive(user) = %v, want %v", got, want)
	}
}

func TestGraph_Dependents(t *testing.T) {
	g := FromManifests(
		manifest("base", "1.0.0"),
		manifest("a", "1.0.0", req("base", "")),
		manifest("b", "1.0.0", opt("base", "")),
	)

	if got := g.Dependents("base", false); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Dependents(base) = %v", got)
	}
	if got := g.Dependents("base", true); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("required Dependents(base) = %v", got)
	}
}

func TestGraph_DetectCycleFromAnyStart(t *testing.T) {
	// "a" is acyclic and sorts first; the cycle is only reachable from
	// later nodes.
	g := FromManifests(
		manifest("a", "1.0.0"),
		manifest("x", "1.0.0", req("y", "")),
		manifest("y", "1.0.0", req("z", "")),
		manifest("z", "1.0.0", req("x", "")),
	)

	cycle, err := g.DetectCycle()
	if !errors.Is(err, plugins.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("expected a closed path, got %v", cycle)
	}
	if len(cycle) != 4 {
		t.Errorf("expected x -> y -> z -> x, got %v", cycle)
	}
	if !strings.Contains(err.Error(), "x -> y -> z -> x") {
		t.Errorf("expected path in error, got %q", err.Error())
	}
}

func TestGraph_SelfCycle(t *testing.T) {
	g := FromManifests(manifest("self", "1.0.0", req("self", "")))
	cycle, err := g.DetectCycle()
	if err == nil {
		t.Fatal("expected self-dependency to be a cycle")
	}
	if !reflect.DeepEqual(cycle, []string{"self", "self"}) {
		t.Errorf("unexpected cycle %v", cycle)
	}
}

func TestGraph_NoCycle(t *testing.T) {
	g := FromManifests(
		manifest("a", "1.0.0", req("b", ""), req("c", "")),
		manifest("b", "1.0.0", req("c", "")),
		manifest("c", "1.0.0"),
	)
	if cycle, err := g.DetectCycle(); err != nil {
		t.Fatalf("unexpected cycle %v: %v", cycle, err)
	}
}

func TestGraph_TopologicalOrder(t *testing.T) {
	g := FromManifests(
		manifest("app", "1.0.0", req("auth", ""), req("store", "")),
		manifest("auth", "1.0.0", req("crypto", "")),
		manifest("store", "1.0.0", req("crypto", ""), opt("missing", "")),
		manifest("crypto", "1.0.0"),
	)

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("expected 4 ids, got %v", order)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range g.IDs() {
		for _, dep := range g.Dependencies(id) {
			if p, ok := pos[dep.ID]; ok && p > pos[id] {
				t.Errorf("%s ordered after its dependent %s: %v", dep.ID, id, order)
			}
		}
	}

	again, _ := g.TopologicalOrder()
	if !reflect.DeepEqual(order, again) {
		t.Errorf("order is not stable: %v vs %v", order, again)
	}
}

func TestGraph_TopologicalOrderRejectsCycle(t *testing.T) {
	g := FromManifests(
		manifest("a", "1.0.0", req("b", "")),
		manifest("b", "1.0.0", req("a", "")),
	)
	if _, err := g.TopologicalOrder(); !errors.Is(err, plugins.ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestGraph_ImpactOf(t *testing.T) {
	g := FromManifests(
		manifest("base", "1.0.0"),
		manifest("mid", "1.0.0", req("base", "")),
		manifest("top", "1.0.0", req("mid", "")),
	)

	impact := g.ImpactOf("base")
	if !reflect.DeepEqual(impact.DirectDependents, []string{"mid"}) {
		t.Errorf("direct dependents = %v", impact.DirectDependents)
	}
	if !reflect.DeepEqual(impact.TransitiveDependents, []string{"mid", "top"}) {
		t.Errorf("transitive dependents = %v", impact.TransitiveDependents)
	}
	if impact.TotalImpact != 2 {
		t.Errorf("expected total impact 2, got %d", impact.TotalImpact)
	}
}
