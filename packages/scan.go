package packages

import (
	"fmt"
	"strings"

	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/names"
)

// autoPackage is the root package every other root package implicitly
// depends on, when it exists.
const autoPackage = "auto"

// addPackages discovers package source directories directly under dir.
// Earlier discoveries win, so user packages override built-ins.
func (r *Registry) addPackages(specs PackageSpecs, dir names.HostPath, origin string) error {
	entries, err := fsutil.TryIterdir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name, err := names.NewPackageName(entry)
		if err != nil {
			return fmt.Errorf("bad package directory name %q in %s: %w", entry, dir, err)
		}
		if _, ok := specs[name]; ok {
			continue
		}
		pkgDir := dir.Join(entry)
		manifest, found, err := readManifest(pkgDir)
		if err != nil {
			return fmt.Errorf("could not read manifest for package %s: %w", name, err)
		}
		if !found {
			r.logger.Warn("no manifest found for package %s: missing %s",
				name, pkgDir.Join(manifestFile))
			continue
		}

		spec := &PackageSpec{Manifest: manifest, Dir: pkgDir, Origin: origin}
		if ok, err := fsutil.TryExists(pkgDir.Join("test.sh")); err != nil {
			return err
		} else if ok {
			spec.Test = "./test.sh"
		}
		if ok, err := fsutil.TryExists(pkgDir.Join("update.sh")); err != nil {
			return err
		} else if ok {
			spec.Update = "./update.sh"
		}
		specs[name] = spec
	}
	return nil
}

// Scan discovers all package sources: one grouping level under the user
// package directory (each subdirectory is an origin), then the built-in
// directory. It then breaks the cycle the implicit "auto" dependency
// would otherwise form, by removing that edge from every package in
// auto's transitive build closure.
func (r *Registry) Scan() (PackageSpecs, error) {
	specs := PackageSpecs{}

	groups, err := fsutil.TryIterdir(r.cfg.UserPackageDir)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if err := r.addPackages(specs, r.cfg.UserPackageDir.Join(group), group); err != nil {
			return nil, err
		}
	}
	if err := r.addPackages(specs, r.cfg.CodePackageDir, "built-in"); err != nil {
		return nil, err
	}

	// Every root package implicitly depends on "auto" — except those in
	// auto's own transitive build closure, which would otherwise form a
	// cycle.
	auto, _ := names.NewPackageName(autoPackage)
	if _, ok := specs[auto]; ok {
		for _, spec := range specs {
			spec.Manifest.Depends[names.NamespaceRoot][auto] = Dependency{}
		}
		autoDeps, err := transitiveDepends(NewNameSet(names.RootPackage(auto)), specs, true)
		if err != nil {
			return nil, fmt.Errorf("bad dependencies for package %q: %w", autoPackage, err)
		}
		for _, full := range autoDeps.Sorted() {
			spec, err := specFor(full, specs, nil)
			if err != nil {
				return nil, fmt.Errorf("package %q depends on %s but package not found",
					autoPackage, full)
			}
			if spec == nil {
				continue
			}
			delete(spec.Manifest.Depends[names.NamespaceRoot], auto)
		}
	}

	return specs, nil
}

// GetPackageNames lists every available package: discovered root
// sources plus the cached artifacts of non-root namespaces.
func (r *Registry) GetPackageNames() (NameSet, error) {
	set := NameSet{}

	addDir := func(dir names.HostPath) error {
		entries, err := fsutil.TryIterdir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if name, err := names.NewPackageName(entry); err == nil {
				set[names.RootPackage(name)] = struct{}{}
			}
		}
		return nil
	}

	groups, err := fsutil.TryIterdir(r.cfg.UserPackageDir)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if err := addDir(r.cfg.UserPackageDir.Join(group)); err != nil {
			return nil, err
		}
	}
	if err := addDir(r.cfg.CodePackageDir); err != nil {
		return nil, err
	}

	cached, err := r.cachedArtifactNames()
	if err != nil {
		return nil, err
	}
	for _, name := range cached {
		if name.Namespace.IsRoot() {
			continue
		}
		set[name] = struct{}{}
	}
	return set, nil
}

// cachedArtifactNames parses <package-cache>/*.tar filenames into full
// package names.
func (r *Registry) cachedArtifactNames() ([]names.FullPackageName, error) {
	entries, err := fsutil.TryIterdir(r.cfg.PackageCache)
	if err != nil {
		return nil, err
	}
	var found []names.FullPackageName
	for _, entry := range entries {
		stem, ok := strings.CutSuffix(entry, ".tar")
		if !ok || strings.HasSuffix(stem, ".testing") {
			continue
		}
		if full, err := names.ParseFullPackageName(stem); err == nil {
			found = append(found, full)
		}
	}
	return found, nil
}
