package registry

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lynxcore/pluginhost/plugins"
)

// unloadConcurrency bounds how many Unload calls UnloadAll runs at once.
// Unload on different names is already independent (§4.1's per-name
// serialization), so this is purely a fan-out cap, not a correctness
// requirement.
const unloadConcurrency = 8

// InstallSpec names one plugin to install as part of a dependency-ordered
// batch. Dependencies must be declared here, ahead of any instance existing
// — dependency-version resolution among plugins is a non-goal, but ordering
// by declared dependency is a useful batch-install convenience the spec
// does not prohibit.
type InstallSpec struct {
	Name         string
	Locator      string
	ClassID      string
	Dependencies []plugins.Dependency
}

// sortInstallSpecs orders specs so that every Required dependency appears
// before its dependent, via Kahn's algorithm. A Dependency whose ID never
// appears among specs is treated as already satisfied if not Required
// (optional ordering hint), and as an error if Required.
func sortInstallSpecs(specs []InstallSpec) ([]InstallSpec, error) {
	byName := make(map[string]InstallSpec, len(specs))
	for _, s := range specs {
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate plugin name %q in install batch", s.Name)
		}
		byName[s.Name] = s
	}

	indegree := make(map[string]int, len(specs))
	edges := make(map[string][]string, len(specs))
	for _, s := range specs {
		indegree[s.Name] = 0
	}
	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if _, known := byName[dep.ID]; !known {
				if dep.Required {
					return nil, fmt.Errorf("registry: plugin %q requires missing plugin %q", s.Name, dep.ID)
				}
				continue
			}
			edges[dep.ID] = append(edges[dep.ID], s.Name)
			indegree[s.Name]++
		}
	}

	queue := make([]string, 0, len(specs))
	for _, s := range specs {
		if indegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	ordered := make([]InstallSpec, 0, len(specs))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])
		for _, next := range edges[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) != len(specs) {
		return nil, fmt.Errorf("registry: circular dependency detected among install batch")
	}
	return ordered, nil
}

// InstallAll installs every spec in dependency order: a plugin with a
// Required dependency on another plugin in the same batch installs after
// it. Installation stops at the first failure; specs already installed are
// left installed (callers wanting all-or-nothing semantics should Unload
// them on error).
func (r *Registry) InstallAll(specs []InstallSpec) error {
	ordered, err := sortInstallSpecs(specs)
	if err != nil {
		return err
	}
	for _, s := range ordered {
		if err := r.Install(s.Name, s.Locator, s.ClassID); err != nil {
			return fmt.Errorf("registry: batch install stopped at %q: %w", s.Name, err)
		}
	}
	return nil
}

// UnloadAll unloads every name concurrently, bounded by unloadConcurrency,
// and aggregates per-name errors rather than stopping at the first one —
// unlike InstallAll, there is no dependency order to respect on the way
// down, and a host shutting down wants every plugin given a chance to
// unload even if one of them misbehaves.
func (r *Registry) UnloadAll(names []string) error {
	var g errgroup.Group
	g.SetLimit(unloadConcurrency)

	errs := make([]error, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := r.Unload(name); err != nil {
				errs[i] = fmt.Errorf("registry: unload %q: %w", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var result error
	for _, err := range errs {
		if err != nil {
			result = joinUnloadErr(result, err)
		}
	}
	return result
}

// joinUnloadErr accumulates unload errors without pulling in a
// multierror dependency here; the host's top-level Shutdown already
// aggregates with go-multierror and is where a caller wanting a structured
// list of errors should look.
func joinUnloadErr(acc, err error) error {
	if acc == nil {
		return err
	}
	return fmt.Errorf("%w; %v", acc, err)
}
