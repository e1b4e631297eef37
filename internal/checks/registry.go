package checks

import (
	"fmt"

	"github.com/agencykit/siteaudit/internal/audit"
)

// Registry holds the fixed catalogue of checks. Order is stable so results
// and scores are reproducible run to run.
type Registry struct {
	defs   []Definition
	byName map[string]Definition
}

// NewRegistry builds the default catalogue.
func NewRegistry() *Registry {
	registry, err := newRegistry(allChecks())
	if err != nil {
		// The default catalogue is static; a collision here is a programming
		// error caught by the package tests.
		panic(err)
	}
	return registry
}

func newRegistry(defs []Definition) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("check with empty name")
		}
		if def.Run == nil {
			return nil, fmt.Errorf("check %q has no run function", def.Name)
		}
		if _, exists := byName[def.Name]; exists {
			return nil, fmt.Errorf("duplicate check name %q", def.Name)
		}
		byName[def.Name] = def
	}
	return &Registry{defs: defs, byName: byName}, nil
}

func allChecks() []Definition {
	var defs []Definition
	defs = append(defs, seoChecks()...)
	defs = append(defs, technicalChecks()...)
	defs = append(defs, aiReadinessChecks()...)
	return defs
}

// All returns every registered check in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// PageChecks returns the checks that run once per crawled page.
func (r *Registry) PageChecks() []Definition {
	return r.filter(audit.ScopePage)
}

// SiteChecks returns the checks that run once per audit.
func (r *Registry) SiteChecks() []Definition {
	return r.filter(audit.ScopeSite)
}

func (r *Registry) filter(scope audit.CheckScope) []Definition {
	var out []Definition
	for _, def := range r.defs {
		if def.Scope == scope {
			out = append(out, def)
		}
	}
	return out
}

// Lookup finds a check by name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.byName[name]
	return def, ok
}
