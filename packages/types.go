// Package packages implements the package registry and build engine:
// scanning package sources, resolving the dependency graph across
// namespaces, deciding staleness, and driving topological rebuilds
// whose artifacts seed sandbox environments.
package packages

import (
	"sort"

	"github.com/snev68/cubicle/buildlog"
	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/log"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
)

// Dependency is one edge in a manifest's dependency table. It carries
// no options yet; its presence is the edge.
type Dependency struct{}

// DependencyTable maps namespaces to the packages depended on within
// each.
type DependencyTable map[names.PackageNamespace]map[names.PackageName]Dependency

// Manifest is the parsed package.toml of one package.
type Manifest struct {
	// PackageManager marks a meta-package that installs packages of
	// its own managed namespace.
	PackageManager bool

	// Depends are runtime dependencies.
	Depends DependencyTable

	// BuildDepends are additional build-time-only dependencies.
	BuildDepends DependencyTable
}

// PackageSpec is the registry's view of one discovered root package.
type PackageSpec struct {
	Manifest *Manifest

	// Dir is the package's source directory on the host.
	Dir names.HostPath

	// Origin names where the sources came from: "built-in" or the
	// grouping directory under the user package dir.
	Origin string

	// Test is "./test.sh" when the package has a test script.
	Test string

	// Update is "./update.sh" when the package has a build script. A
	// package without one never needs building.
	Update string
}

// PackageSpecs indexes the discovered root packages by name.
type PackageSpecs map[names.PackageName]*PackageSpec

// NameSet is a set of fully-qualified package names.
type NameSet map[names.FullPackageName]struct{}

// NewNameSet builds a set from the given names.
func NewNameSet(packages ...names.FullPackageName) NameSet {
	set := make(NameSet, len(packages))
	for _, pkg := range packages {
		set[pkg] = struct{}{}
	}
	return set
}

// ParseNameSet parses a list of package strings (bare names land in the
// root namespace).
func ParseNameSet(raw []string) (NameSet, error) {
	set := make(NameSet, len(raw))
	for _, s := range raw {
		full, err := names.ParseFullPackageName(s)
		if err != nil {
			return nil, err
		}
		set[full] = struct{}{}
	}
	return set, nil
}

// Contains reports set membership.
func (s NameSet) Contains(name names.FullPackageName) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the set's members in display-name order.
func (s NameSet) Sorted() []names.FullPackageName {
	sorted := make([]names.FullPackageName, 0, len(s))
	for name := range s {
		sorted = append(sorted, name)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	return sorted
}

// UpdateMode describes when a package should be rebuilt.
type UpdateMode int

const (
	// Always rebuilds unconditionally.
	Always UpdateMode = iota

	// IfStale rebuilds when no artifact exists, the auto-update window
	// elapsed, the sources changed since the artifact was built, or a
	// transitive dependency's artifact is newer.
	IfStale

	// IfRequired rebuilds only when no artifact exists at all.
	IfRequired
)

// UpdateConditions pairs the mode for the named packages with the mode
// for their transitive dependencies.
type UpdateConditions struct {
	Named        UpdateMode
	Dependencies UpdateMode
}

// Registry discovers package sources and drives builds through a
// runner.
type Registry struct {
	cfg     *config.Config
	runner  runner.Runner
	history *buildlog.DB // nil disables build history
	logger  log.LibraryLogger
}

// NewRegistry creates a registry. history may be nil.
func NewRegistry(cfg *config.Config, r runner.Runner, history *buildlog.DB, logger log.LibraryLogger) *Registry {
	return &Registry{cfg: cfg, runner: r, history: history, logger: logger}
}

// sortedNamespaces returns a table's namespaces in display order, for
// deterministic traversal.
func sortedNamespaces(table DependencyTable) []names.PackageNamespace {
	namespaces := make([]names.PackageNamespace, 0, len(table))
	for ns := range table {
		namespaces = append(namespaces, ns)
	}
	sort.Slice(namespaces, func(i, j int) bool {
		return namespaces[i].String() < namespaces[j].String()
	})
	return namespaces
}

// sortedNames returns one namespace table's package names in order.
func sortedNames(table map[names.PackageName]Dependency) []names.PackageName {
	sorted := make([]names.PackageName, 0, len(table))
	for name := range table {
		sorted = append(sorted, name)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	return sorted
}
