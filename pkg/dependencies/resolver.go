package dependencies

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Installed is what the resolver needs to know about a registered plugin.
type Installed struct {
	Version string
	State   plugins.State
}

// LookupFunc reports the registered plugin with the given id.
type LookupFunc func(id string) (Installed, bool)

// Resolver gates activation on a plugin's dependencies.
type Resolver struct {
	logger *logrus.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{logger: logger}
}

// Check confirms every required dependency of m is registered, Ready and
// within its version range. Missing optional dependencies are logged and
// returned as warnings.
func (r *Resolver) Check(m *plugins.Manifest, lookup LookupFunc) ([]string, error) {
	var (
		warnings []string
		result   *multierror.Error
	)

	for _, dep := range m.Dependencies {
		problem := unmet(dep, lookup)
		if problem == "" {
			continue
		}
		if dep.Optional {
			r.logger.WithFields(logrus.Fields{
				"plugin":     m.ID,
				"dependency": dep.ID,
			}).Warnf("Optional dependency unavailable: %s", problem)
			warnings = append(warnings, fmt.Sprintf("%s: %s", dep.ID, problem))
			continue
		}
		result = multierror.Append(result, fmt.Errorf("%s: %s", dep.ID, problem))
	}

	if err := result.ErrorOrNil(); err != nil {
		return warnings, plugins.WrapError(plugins.ErrDependencyMissing, m.ID, err, "unmet dependencies")
	}
	return warnings, nil
}

func unmet(dep plugins.Dependency, lookup LookupFunc) string {
	inst, ok := lookup(dep.ID)
	if !ok {
		return "not installed"
	}
	if inst.State != plugins.StateReady {
		return fmt.Sprintf("is %s, not ready", inst.State)
	}
	satisfied, err := plugins.SatisfiesConstraint(inst.Version, dep.Version)
	if err != nil {
		return fmt.Sprintf("cannot compare version %s with %q: %v", inst.Version, dep.Version, err)
	}
	if !satisfied {
		return fmt.Sprintf("version %s does not satisfy %q", inst.Version, dep.Version)
	}
	return ""
}

// Plan checks the candidates against each other and the installed set for
// cycles and returns the candidates' ids in install order.
func (r *Resolver) Plan(installed []*plugins.Manifest, candidates []*plugins.Manifest) ([]string, error) {
	g := FromManifests(installed...)
	for _, c := range candidates {
		g.Add(c)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[c.ID] = true
	}
	plan := make([]string, 0, len(candidates))
	for _, id := range order {
		if wanted[id] {
			plan = append(plan, id)
		}
	}
	return plan, nil
}
