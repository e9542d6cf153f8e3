package packages

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/snev68/cubicle/fsutil"
	"github.com/snev68/cubicle/names"
	"github.com/snev68/cubicle/tarstream"
)

// PackagesToSeeds returns the cached artifact tars for the runtime
// closure of packages, where they exist. Missing artifacts are simply
// skipped; the update loop is responsible for producing them first.
func (r *Registry) PackagesToSeeds(packages NameSet) ([]names.HostPath, error) {
	specs, err := r.Scan()
	if err != nil {
		return nil, err
	}
	return r.packagesToSeeds(packages, specs)
}

func (r *Registry) packagesToSeeds(packages NameSet, specs PackageSpecs) ([]names.HostPath, error) {
	closure, err := transitiveDepends(packages, specs, false)
	if err != nil {
		return nil, err
	}
	var seeds []names.HostPath
	for _, name := range closure.Sorted() {
		artifact := r.cacheTar(name)
		ok, err := fsutil.TryExists(artifact)
		if err != nil {
			return nil, err
		}
		if ok {
			seeds = append(seeds, artifact)
		}
	}
	return seeds, nil
}

// WritePackageListTar produces a temporary seed tar whose single entry
// is w/packages.txt: the environment's intended package set, one
// display name per line.
func WritePackageListTar(packages NameSet) (names.HostPath, func(), error) {
	var list bytes.Buffer
	for _, name := range packages.Sorted() {
		fmt.Fprintln(&list, name.String())
	}

	file, err := os.CreateTemp("", "cubicle-packages-*.tar")
	if err != nil {
		return names.HostPath{}, nil, err
	}
	cleanup := func() { os.Remove(file.Name()) }
	writeErr := tarstream.CreateSingleFile(file, "w/packages.txt", 0o644, list.Bytes())
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

// ReadPackageListFromEnv reads w/packages.txt from a live environment,
// one full package name per line.
func (r *Registry) ReadPackageListFromEnv(env names.EnvironmentName) (NameSet, error) {
	var buf bytes.Buffer
	if err := r.runner.CopyOutFromWork(env, "packages.txt", &buf); err != nil {
		return nil, fmt.Errorf("failed to read packages.txt from %s: %w", env, err)
	}
	set := NameSet{}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		full, err := names.ParseFullPackageName(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse packages.txt from %s: %w", env, err)
		}
		set[full] = struct{}{}
	}
	return set, scanner.Err()
}
