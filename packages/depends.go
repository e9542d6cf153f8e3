package packages

import (
	"sort"

	"github.com/snev68/cubicle/config"
	"github.com/snev68/cubicle/names"
)

// specFor resolves the spec governing a full package name. Debian
// packages have no spec and yield (nil, nil). Managed-namespace names
// resolve through their package manager's spec, which must declare
// package_manager = true.
func specFor(pkg names.FullPackageName, specs PackageSpecs, neededBy *names.FullPackageName) (*PackageSpec, error) {
	switch {
	case pkg.Namespace.IsDebian():
		return nil, nil
	case pkg.Namespace.IsRoot():
		spec, ok := specs[pkg.Name]
		if !ok {
			return nil, &MissingSpecError{Pkg: pkg, NeededBy: neededBy}
		}
		return spec, nil
	default:
		manager, _ := pkg.Namespace.Manager()
		spec, ok := specs[manager]
		if !ok {
			return nil, &MissingSpecError{Pkg: pkg, NeededBy: neededBy}
		}
		if !spec.Manifest.PackageManager {
			return nil, &NotPackageManagerError{Manager: manager}
		}
		return spec, nil
	}
}

// transitiveDepends computes the closure of packages under Depends and,
// when buildDepends is set, BuildDepends. The input names themselves
// are part of the result.
func transitiveDepends(packages NameSet, specs PackageSpecs, buildDepends bool) (NameSet, error) {
	visited := NameSet{}
	var visit func(pkg names.FullPackageName, neededBy *names.FullPackageName) error
	visit = func(pkg names.FullPackageName, neededBy *names.FullPackageName) error {
		if visited.Contains(pkg) {
			return nil
		}
		visited[pkg] = struct{}{}
		spec, err := specFor(pkg, specs, neededBy)
		if err != nil {
			return err
		}
		if spec == nil { // Debian leaf
			return nil
		}
		tables := []DependencyTable{spec.Manifest.Depends}
		if buildDepends {
			tables = append(tables, spec.Manifest.BuildDepends)
		}
		for _, table := range tables {
			for _, ns := range sortedNamespaces(table) {
				for _, name := range sortedNames(table[ns]) {
					dep := names.FullPackageName{Namespace: ns, Name: name}
					if err := visit(dep, &pkg); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	for _, pkg := range packages.Sorted() {
		if err := visit(pkg, nil); err != nil {
			return nil, err
		}
	}
	return visited, nil
}

// resolveDebianPackages returns the Debian packages a set of packages
// needs, sorted. Which policy applies is a backend capability: the
// bubblewrap and user backends share the host's package set, so only
// the strict transitive closure is meaningful there; the docker backend
// chooses by configuration because its base image can carry everything.
func (r *Registry) resolveDebianPackages(packages NameSet, specs PackageSpecs) ([]string, error) {
	strict := true
	if r.cfg.Runner == config.RunnerDocker {
		strict = r.cfg.Docker.StrictDebianPackages
	}
	if strict {
		return strictDebianPackages(packages, specs)
	}
	return allDebianPackages(specs), nil
}

// strictDebianPackages collects the Debian names in the runtime closure
// of packages.
func strictDebianPackages(packages NameSet, specs PackageSpecs) ([]string, error) {
	closure, err := transitiveDepends(packages, specs, false)
	if err != nil {
		return nil, err
	}
	var debian []string
	for _, pkg := range closure.Sorted() {
		if pkg.Namespace.IsDebian() {
			debian = append(debian, pkg.Name.String())
		}
	}
	return debian, nil
}

// allDebianPackages collects every Debian package named by any known
// spec.
func allDebianPackages(specs PackageSpecs) []string {
	seen := map[string]struct{}{}
	for _, spec := range specs {
		for _, table := range []DependencyTable{spec.Manifest.Depends, spec.Manifest.BuildDepends} {
			for name := range table[names.NamespaceDebian] {
				seen[name.String()] = struct{}{}
			}
		}
	}
	debian := make([]string, 0, len(seen))
	for name := range seen {
		debian = append(debian, name)
	}
	sort.Strings(debian)
	return debian
}

// dependencyNames flattens the given tables into a set of full names.
func dependencyNames(tables ...DependencyTable) NameSet {
	set := NameSet{}
	for _, table := range tables {
		for ns, deps := range table {
			for name := range deps {
				set[names.FullPackageName{Namespace: ns, Name: name}] = struct{}{}
			}
		}
	}
	return set
}
