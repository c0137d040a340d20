// Package dependencies builds the plugin dependency graph and gates
// activation on it.
//
// # Overview
//
// A Graph is built from manifests (installed plugins plus candidates being
// installed). It detects cycles from every starting node, orders plugins so
// dependencies come before dependents, and reports which plugins would be
// affected by removing one.
//
// A Resolver checks that every required dependency of a manifest is
// registered, Ready and within its declared version range before the
// plugin is activated. Optional dependencies that are unavailable are
// logged and returned as warnings.
//
// # Usage Example
//
//	g := dependencies.FromManifests(installed...)
//	g.Add(candidate)
//	if cycle, err := g.DetectCycle(); err != nil {
//		fmt.Println(strings.Join(cycle, " -> "))
//	}
//
//	warnings, err := dependencies.NewResolver(logger).Check(candidate, lookup)
//
// Handlers exposes the graph over HTTP in Cytoscape.js format for the
// admin server.
package dependencies
