package packages

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/snev68/cubicle/buildlog"
	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/runner"
	"github.com/snev68/cubicle/tarstream"
)

// cacheTar is the cached artifact path for a package.
func (r *Registry) cacheTar(name names.FullPackageName) names.HostPath {
	return r.cfg.PackageCache.Join(name.String() + ".tar")
}

// failedMarker is the sibling marker recording that the last completed
// build of a package failed.
func (r *Registry) failedMarker(name names.FullPackageName) names.HostPath {
	return r.cfg.PackageCache.Join(name.String() + ".failed")
}

// lastBuilt returns the cached artifact's mtime, or nil when no
// artifact exists.
func (r *Registry) lastBuilt(name names.FullPackageName) *time.Time {
	info, err := os.Stat(r.cacheTar(name).String())
	if err != nil {
		return nil
	}
	mtime := info.ModTime()
	return &mtime
}

// packageBuildFailed reports whether the failure marker is present.
func (r *Registry) packageBuildFailed(name names.FullPackageName) (bool, error) {
	return fsutil.TryExists(r.failedMarker(name))
}

// packageIsStale implements the staleness quadruple: missing artifact,
// elapsed auto-update window, sources newer than the artifact, or a
// transitive dependency artifact newer than the artifact.
func (r *Registry) packageIsStale(name names.FullPackageName, spec *PackageSpec, specs PackageSpecs, now time.Time) (bool, error) {
	built := r.lastBuilt(name)
	if built == nil {
		return true, nil
	}
	if r.cfg.AutoUpdate > 0 && now.Sub(*built) > r.cfg.AutoUpdate {
		return true, nil
	}
	summary, err := fsutil.SummarizeDir(spec.Dir)
	if err != nil {
		return false, err
	}
	if summary.LastModified.After(*built) {
		return true, nil
	}
	deps, err := transitiveDepends(
		dependencyNames(spec.Manifest.BuildDepends, spec.Manifest.Depends), specs, false)
	if err != nil {
		return false, err
	}
	for dep := range deps {
		if depBuilt := r.lastBuilt(dep); depBuilt != nil && depBuilt.After(*built) {
			return true, nil
		}
	}
	return false, nil
}

// Update rebuilds the requested packages and their transitive
// build-dependencies as the conditions demand. Builds run strictly
// sequentially in dependency order: a package builds only once every
// non-Debian dependency is done, so a later build can consume an
// earlier build's fresh artifact. A pass that completes nothing means
// the remaining packages are unsatisfiable; so does a dependency on a
// package with no known definition.
func (r *Registry) Update(packages NameSet, specs PackageSpecs, conditions UpdateConditions) error {
	now := time.Now()
	closure, err := transitiveDepends(packages, specs, true)
	if err != nil {
		var missing *MissingSpecError
		if errors.As(err, &missing) {
			return fmt.Errorf("%w: %w", &UnsatisfiableError{Remaining: packages.Sorted()}, err)
		}
		return err
	}
	var todo []names.FullPackageName
	for _, name := range closure.Sorted() {
		if !name.Namespace.IsDebian() {
			todo = append(todo, name)
		}
	}

	done := NameSet{}
	for len(todo) > 0 {
		var later []names.FullPackageName
		for _, full := range todo {
			spec, err := specFor(full, specs, nil)
			if err != nil {
				return err
			}
			if !r.depsReady(spec, done) {
				later = append(later, full)
				continue
			}

			needsBuild := false
			if spec.Update != "" {
				mode := conditions.Dependencies
				if packages.Contains(full) {
					mode = conditions.Named
				}
				switch mode {
				case Always:
					needsBuild = true
				case IfStale:
					if needsBuild, err = r.packageIsStale(full, spec, specs, now); err != nil {
						return err
					}
				case IfRequired:
					needsBuild = r.lastBuilt(full) == nil
				}
			}
			if needsBuild {
				if err := r.updatePackage(full, spec, specs); err != nil {
					return err
				}
			}
			done[full] = struct{}{}
		}
		if len(later) == len(todo) {
			return &UnsatisfiableError{Remaining: later}
		}
		todo = later
	}
	return nil
}

// depsReady reports whether every non-Debian dependency (runtime and
// build-time) of spec is done.
func (r *Registry) depsReady(spec *PackageSpec, done NameSet) bool {
	for dep := range dependencyNames(spec.Manifest.Depends, spec.Manifest.BuildDepends) {
		if dep.Namespace.IsDebian() {
			continue
		}
		if !done.Contains(dep) {
			return false
		}
	}
	return true
}

// updatePackage wraps one build with the failure-marker and
// stale-fallback protocol: on success the marker is removed; on failure
// the marker is written and, if a previous artifact survives, the build
// error degrades to a warning and the stale artifact stays in use.
func (r *Registry) updatePackage(name names.FullPackageName, spec *PackageSpec, specs PackageSpecs) error {
	attempt := r.beginAttempt(name)

	err := r.buildAndCapture(name, spec, specs)
	if err == nil {
		r.finishAttempt(attempt, buildlog.StatusSuccess)
		if removeErr := os.Remove(r.failedMarker(name).String()); removeErr != nil &&
			!errors.Is(removeErr, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s after successfully updating package %s: %w",
				r.failedMarker(name), name, removeErr)
		}
		return nil
	}
	r.finishAttempt(attempt, buildlog.StatusFailed)

	err = fmt.Errorf("failed to update package %s: %w", name, err)
	if mkdirErr := os.MkdirAll(r.cfg.PackageCache.String(), 0o755); mkdirErr != nil {
		return errors.Join(err, mkdirErr)
	}
	if marker, markerErr := os.Create(r.failedMarker(name).String()); markerErr != nil {
		r.logger.Warn("failed to create %s: %v", r.failedMarker(name), markerErr)
	} else {
		marker.Close()
	}

	useStale, existsErr := fsutil.TryExists(r.cacheTar(name))
	if existsErr != nil {
		r.logger.Warn("error while checking if %s exists: %v", r.cacheTar(name), existsErr)
		useStale = false
	}
	if useStale {
		r.logger.Warn("using stale version of %s: %v", name, err)
		return nil
	}
	return err
}

func (r *Registry) beginAttempt(name names.FullPackageName) string {
	if r.history == nil {
		return ""
	}
	id, err := r.history.Begin(name.String())
	if err != nil {
		r.logger.Warn("failed to record build attempt for %s: %v", name, err)
		return ""
	}
	return id
}

func (r *Registry) finishAttempt(id string, status buildlog.Status) {
	if id == "" {
		return
	}
	if err := r.history.Finish(id, status); err != nil {
		r.logger.Warn("failed to record build result: %v", err)
	}
}

// buildAndCapture runs one build in the builder environment, captures
// its provides.tar into the staging artifact, tests it when a test
// script exists, and atomically promotes the staging artifact.
func (r *Registry) buildAndCapture(name names.FullPackageName, spec *PackageSpec, specs PackageSpecs) error {
	r.logger.Info("Updating %s package", name)
	envName := names.ForBuilderPackage(name)
	if err := r.buildPackage(name, envName, spec, specs); err != nil {
		return fmt.Errorf("error building package %s: %w", name, err)
	}

	if err := os.MkdirAll(r.cfg.PackageCache.String(), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", r.cfg.PackageCache, err)
	}
	testingTar := r.cfg.PackageCache.Join(name.String() + ".testing.tar")
	file, err := os.OpenFile(testingTar.String(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file for package build output %s: %w", testingTar, err)
	}
	copyErr := r.runner.CopyOutFromHome(envName, "provides.tar", file)
	closeErr := file.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to copy build output for package %s to %s: %w",
			name, testingTar, copyErr)
	}
	if closeErr != nil {
		return closeErr
	}

	if spec.Test != "" {
		if err := r.testPackage(name, testingTar, spec, specs); err != nil {
			return fmt.Errorf("error testing package %s: %w", name, err)
		}
	}

	if err := os.Rename(testingTar.String(), r.cacheTar(name).String()); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", testingTar, r.cacheTar(name), err)
	}
	return nil
}

// buildPackage seeds and runs the builder environment for one package.
// The builder is reset, not recreated, when it already exists, to reuse
// its warm state.
func (r *Registry) buildPackage(name names.FullPackageName, envName names.EnvironmentName, spec *PackageSpec, specs PackageSpecs) error {
	deps := dependencyNames(spec.Manifest.BuildDepends, spec.Manifest.Depends)

	debianPackages, err := r.resolveDebianPackages(deps, specs)
	if err != nil {
		return err
	}
	debianPackages = appendDirectDebian(debianPackages,
		spec.Manifest.Depends, spec.Manifest.BuildDepends)

	seeds, err := r.packagesToSeeds(deps, specs)
	if err != nil {
		return err
	}

	sourceTar, cleanup, err := tarPackageSource(spec.Dir, nil)
	if err != nil {
		return fmt.Errorf("failed to tar package source for %s: %w", name, err)
	}
	defer cleanup()
	seeds = append(seeds, sourceTar)

	init := &runner.Init{
		Seeds:          seeds,
		Script:         r.cfg.ScriptPath.Join("dev-init.sh"),
		DebianPackages: debianPackages,
		EnvVars:        packageEnvVars(name),
	}

	state, err := r.runner.Exists(envName)
	if err != nil {
		return err
	}
	if state == runner.NoEnvironment {
		return r.runner.Create(envName, init)
	}
	return r.runner.Reset(envName, init)
}

// testPackage runs a package's test.sh in a throwaway environment
// seeded with the runtime closure, the fresh staging artifact, and the
// package source with update.sh excluded (so dev-init.sh will not
// re-run the build). The test environment is purged before and after.
func (r *Registry) testPackage(name names.FullPackageName, testingTar names.HostPath, spec *PackageSpec, specs PackageSpecs) error {
	r.logger.Info("Testing %s package", name)
	testName := names.ForTestPackage(name)

	if err := r.runner.Purge(testName); err != nil {
		return err
	}

	deps := dependencyNames(spec.Manifest.Depends)
	seeds, err := r.packagesToSeeds(deps, specs)
	if err != nil {
		return err
	}
	seeds = append(seeds, testingTar)

	debianPackages, err := r.resolveDebianPackages(deps, specs)
	if err != nil {
		return err
	}
	debianPackages = appendDirectDebian(debianPackages, spec.Manifest.Depends)

	sourceTar, cleanup, err := tarPackageSource(spec.Dir, []string{"update.sh"})
	if err != nil {
		return fmt.Errorf("failed to tar package source to test %s: %w", name, err)
	}
	defer cleanup()
	seeds = append(seeds, sourceTar)

	err = r.runner.Create(testName, &runner.Init{
		Seeds:          seeds,
		Script:         r.cfg.ScriptPath.Join("dev-init.sh"),
		DebianPackages: debianPackages,
		EnvVars:        packageEnvVars(name),
	})
	if err != nil {
		return err
	}

	runErr := r.runner.Run(testName, runner.Exec([]string{spec.Test}))
	purgeErr := r.runner.Purge(testName)
	if runErr != nil {
		return runErr
	}
	return purgeErr
}

// packageEnvVars returns PACKAGE=<name> for non-root packages, telling
// the package manager's build machinery which sub-package to produce.
func packageEnvVars(name names.FullPackageName) map[string]string {
	if name.Namespace.IsRoot() {
		return nil
	}
	return map[string]string{"PACKAGE": name.Name.String()}
}

// appendDirectDebian merges a spec's own direct Debian dependencies
// into an already-sorted package list, dedupating.
func appendDirectDebian(debian []string, tables ...DependencyTable) []string {
	seen := make(map[string]struct{}, len(debian))
	for _, name := range debian {
		seen[name] = struct{}{}
	}
	for _, table := range tables {
		for name := range table[names.NamespaceDebian] {
			if _, ok := seen[name.String()]; !ok {
				seen[name.String()] = struct{}{}
				debian = append(debian, name.String())
			}
		}
	}
	return debian
}

// tarPackageSource archives a package source directory under the "w/"
// prefix into a temporary file.
func tarPackageSource(dir names.HostPath, exclude []string) (names.HostPath, func(), error) {
	file, err := os.CreateTemp("", "cubicle-package-*.tar")
	if err != nil {
		return names.HostPath{}, nil, err
	}
	cleanup := func() { os.Remove(file.Name()) }
	writeErr := tarstream.CreateFromDir(file, dir, &tarstream.Options{Prefix: "w", Exclude: exclude})
	closeErr := file.Close()
	if writeErr != nil {
		cleanup()
		return names.HostPath{}, nil, writeErr
	}
	if closeErr != nil {
		cleanup()
		return names.HostPath{}, nil, closeErr
	}
	return names.NewHostPath(file.Name()), cleanup, nil
}
